// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/truststore"
)

const backupFormatVersion = 1

// backupData is the JSON document stored inside a backup file.
type backupData struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Trusted   []backupCert   `json:"trusted_certs"`
	Insecure  []backupTarget `json:"insecure_hosts"`
}

type backupCert struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Data      []byte    `json:"data"`
	TrustSANs bool      `json:"trust_sans"`
	NotBefore time.Time `json:"activation"`
	NotAfter  time.Time `json:"expiration"`
}

type backupTarget struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func exportBackup(l truststore.Listing, now time.Time) *backupData {
	b := &backupData{Version: backupFormatVersion, CreatedAt: now.UTC()}
	for _, c := range l.Trusted {
		b.Trusted = append(b.Trusted, backupCert{
			Host: c.Host, Port: c.Port, Data: c.Raw, TrustSANs: c.TrustSANs,
			NotBefore: c.NotBefore, NotAfter: c.NotAfter,
		})
	}
	for _, h := range l.Insecure {
		b.Insecure = append(b.Insecure, backupTarget{Host: h.Host, Port: h.Port})
	}
	return b
}

// writeCompressedBackup streams the JSON encoding through a zstd writer.
func writeCompressedBackup(w io.Writer, data *backupData) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}
	return zw.Close()
}

// readCompressedBackup decodes a zstd-compressed JSON backup.
func readCompressedBackup(r io.Reader) (*backupData, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()

	var data backupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	if data.Version != backupFormatVersion {
		return nil, fmt.Errorf("unsupported backup version %d", data.Version)
	}
	return &data, nil
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Create a compressed (zstd) JSON backup of the trust store",
		Long: `Writes every durable trusted certificate and insecure host to a
Zstandard-compressed JSON file.

If no output file is given, 'keytrust-backup-YYYY-MM-DD.json.zst' is used.
'.zst' is appended to names that lack it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("keytrust-backup-%s.json.zst", time.Now().Format(time.DateOnly))
			if len(args) == 1 {
				outputFile = args[0]
				if !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}
			data := exportBackup(a.store.List(), time.Now())

			f, err := os.OpenFile(outputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("could not create backup file: %w", err)
			}
			if err := writeCompressedBackup(f, data); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d trusted certificates and %d insecure hosts to %s\n", len(data.Trusted), len(data.Insecure), outputFile)
			return nil
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore trust decisions from a backup",
		Long: `Applies the decisions in a backup file to the store. By default entries are
merged into the current store; with --full every existing decision is
forgotten first. Certificates that have expired since the backup are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			data, err := readCompressedBackup(f)
			if err != nil {
				return err
			}

			if full {
				l := a.store.List()
				for _, c := range l.Trusted {
					if err := a.store.Forget(c.Host, c.Port); err != nil {
						return err
					}
				}
				for _, h := range l.Insecure {
					if err := a.store.Forget(h.Host, h.Port); err != nil {
						return err
					}
				}
			}

			now := time.Now()
			var restored, skipped int
			for _, c := range data.Trusted {
				if now.After(c.NotAfter) || now.Before(c.NotBefore) {
					skipped++
					continue
				}
				if err := a.store.SetTrusted(c.Host, c.Port, c.Data, c.TrustSANs, true); err != nil {
					return fmt.Errorf("restore %s: %w", truststore.Endpoint{Host: c.Host, Port: c.Port}, err)
				}
				restored++
			}
			for _, h := range data.Insecure {
				if err := a.store.SetInsecure(h.Host, h.Port, true); err != nil {
					return fmt.Errorf("restore %s: %w", truststore.Endpoint{Host: h.Host, Port: h.Port}, err)
				}
				restored++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d decisions, skipped %d expired certificates.\n", restored, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "forget all current decisions before restoring")
	return cmd
}
