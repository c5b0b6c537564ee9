// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/journal"
	"github.com/toeirei/keytrust/internal/truststore"
)

var errJournalDisabled = errors.New("the journal is disabled; set journal.enabled or pass --journal-enabled")

func newJournalCmd(a *app) *cobra.Command {
	var (
		target string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded trust decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.journal == nil {
				return errJournalDisabled
			}
			f := journal.Filter{Limit: limit}
			if target != "" {
				host, port, err := parseTarget(target, 0)
				if err != nil {
					return err
				}
				f.Host, f.Port = host, port
			}
			entries, err := a.journal.Recent(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded.")
				return nil
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("TIME", "USER", "ACTION", "ENDPOINT", "SCOPE", "FINGERPRINT").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return cellStyle
				})
			for _, e := range entries {
				scope := "session"
				if e.Permanent {
					scope = "permanent"
				}
				endpoint := ""
				if e.Host != "" {
					endpoint = truststore.Endpoint{Host: e.Host, Port: e.Port}.String()
				}
				t.Row(e.At.Local().Format(time.DateTime), e.Username, string(e.Action), endpoint, scope, shortFingerprint(e.Fingerprint))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only show decisions for host[:port]")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries (0 for all)")
	cmd.AddCommand(newJournalPruneCmd(a))
	return cmd
}

func newJournalPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal entries older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.journal == nil {
				return errJournalDisabled
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			n, err := a.journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d journal entries.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the entries to delete")
	return cmd
}
