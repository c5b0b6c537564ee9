// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/hostkeys"
	"github.com/toeirei/keytrust/internal/logging"
	"github.com/toeirei/keytrust/internal/truststore"
	"golang.org/x/crypto/ssh"
)

const defaultTLSPort = 443

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted certificates and insecure hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l := a.store.List()
			if len(l.Trusted)+len(l.Insecure) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "The trust store is empty.")
				return nil
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ENDPOINT", "DECISION", "FINGERPRINT", "SANS", "EXPIRES").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return cellStyle
				})
			for _, c := range l.Trusted {
				sans := "no"
				if c.TrustSANs {
					sans = "yes"
				}
				t.Row(c.Endpoint().String(), "trusted", shortFingerprint(c.Fingerprint()), sans, c.NotAfter.Format(time.DateOnly))
			}
			for _, h := range l.Insecure {
				t.Row(h.Endpoint().String(), "insecure", "", "", "")
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

// errUntrusted makes check exit non-zero without printing usage.
var errUntrusted = errors.New("endpoint is not trusted")

func newCheckCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check host[:port]",
		Short: "Connect to an endpoint and report whether its certificate is trusted",
		Long: `Performs a TLS handshake and reports how the application would treat the
presented certificate: valid for the system roots, trusted through the store,
flagged insecure, or untrusted. Exits non-zero when untrusted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseTarget(args[0], defaultTLSPort)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cred, err := fetchCredential(cmd.Context(), host, port, timeout)
			if err != nil {
				if a.store.IsInsecure(host, port, false) {
					fmt.Fprintf(out, "%s:%d: insecure (no TLS: %v)\n", host, port, err)
					return nil
				}
				return err
			}
			fmt.Fprintf(out, "fingerprint: %s\n", truststore.Fingerprint(cred.Leaf))
			if cred.Warnings != 0 {
				fmt.Fprintf(out, "warnings: %s\n", cred.Warnings)
			}
			switch {
			case cred.Verified && cred.Warnings == 0:
				fmt.Fprintf(out, "%s:%d: valid (system roots)\n", host, port)
			case a.store.IsTrustedCredential(cred):
				fmt.Fprintf(out, "%s:%d: trusted (store)\n", host, port)
			case a.store.IsInsecure(host, port, false):
				fmt.Fprintf(out, "%s:%d: insecure\n", host, port)
			default:
				if a.store.HasAnyTrustDecision(host, port) {
					fmt.Fprintf(out, "%s:%d: certificate CHANGED since it was last trusted\n", host, port)
				} else {
					fmt.Fprintf(out, "%s:%d: untrusted\n", host, port)
				}
				return errUntrusted
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	return cmd
}

func newTrustCmd(a *app) *cobra.Command {
	var (
		certFile  string
		trustSANs bool
		yes       bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trust host[:port]",
		Short: "Permanently trust the certificate an endpoint presents",
		Long: `Fetches the endpoint's certificate (or reads it from --cert), shows its
fingerprint and asks for confirmation before storing it. Storing a trusted
certificate removes any insecure-host decision for the same endpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseTarget(args[0], defaultTLSPort)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var leaf *x509.Certificate
			var warnings truststore.AlgorithmWarning
			if certFile != "" {
				leaf, err = readCertificateFile(certFile)
				if err != nil {
					return err
				}
				warnings = truststore.CertificateWarnings(leaf)
			} else {
				cred, err := fetchCredential(cmd.Context(), host, port, timeout)
				if err != nil {
					return err
				}
				if leaf, err = x509.ParseCertificate(cred.Leaf); err != nil {
					return err
				}
				warnings = cred.Warnings
			}

			fmt.Fprintf(out, "subject:     %s\n", leaf.Subject)
			fmt.Fprintf(out, "issuer:      %s\n", leaf.Issuer)
			fmt.Fprintf(out, "valid:       %s - %s\n", leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
			fmt.Fprintf(out, "fingerprint: %s\n", truststore.Fingerprint(leaf.Raw))
			if len(leaf.DNSNames) > 0 {
				fmt.Fprintf(out, "names:       %v\n", leaf.DNSNames)
			}
			if warnings != 0 {
				// The store would never honor this decision.
				return fmt.Errorf("refusing to trust %s:%d: weak algorithms (%s)", host, port, warnings)
			}

			if !yes {
				ok, err := promptForConfirmation(cmd, fmt.Sprintf("Trust this certificate for %s:%d? [y/N] ", host, port))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Not trusted.")
					return nil
				}
			}
			if err := a.store.SetTrusted(host, port, leaf.Raw, trustSANs, true); err != nil {
				return err
			}
			logging.Infof("trusted %s for %s:%d", shortFingerprint(truststore.Fingerprint(leaf.Raw)), host, port)
			fmt.Fprintf(out, "Trusted %s:%d.\n", host, port)
			return nil
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "", "read the certificate from a PEM or DER file instead of connecting")
	cmd.Flags().BoolVar(&trustSANs, "sans", false, "also trust the certificate for its other DNS names")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	return cmd
}

func newInsecureCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "insecure host[:port]",
		Short: "Permanently allow insecure connections to an endpoint",
		Long:  `Flags the endpoint as insecure and removes every certificate trusted for it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, p, err := parseTarget(args[0], port)
			if err != nil {
				return err
			}
			if err := a.store.SetInsecure(host, p, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flagged %s as insecure.\n", truststore.Endpoint{Host: host, Port: p})
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", defaultTLSPort, "port used when the target has none")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "forget host[:port]",
		Short: "Remove every trust decision for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, p, err := parseTarget(args[0], port)
			if err != nil {
				return err
			}
			had := a.store.HasAnyTrustDecision(host, p) || a.store.IsInsecure(host, p, false)
			if err := a.store.Forget(host, p); err != nil {
				return err
			}
			if !had {
				fmt.Fprintf(cmd.OutOrStdout(), "No decision recorded for %s.\n", truststore.Endpoint{Host: host, Port: p})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s.\n", truststore.Endpoint{Host: host, Port: p})
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", defaultTLSPort, "port used when the target has none")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	var (
		useSSH     bool
		knownHosts string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:         "fingerprint host[:port]",
		Short:       "Print the fingerprint of an endpoint's certificate or SSH host key",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if useSSH {
				host, port, err := parseTarget(args[0], 22)
				if err != nil {
					return err
				}
				key, err := hostkeys.Probe(cmd.Context(), hostkeys.Label(host, port), timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s %s\n", hostkeys.Label(host, port), key.Type(), hostkeys.Fingerprint(key))
				if w := hostkeys.CheckAlgorithm(key); w != "" {
					fmt.Fprintln(out, w)
				}
				if knownHosts != "" {
					status, err := knownHostStatus(knownHosts, hostkeys.Label(host, port), key)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, status)
				}
				return nil
			}

			host, port, err := parseTarget(args[0], defaultTLSPort)
			if err != nil {
				return err
			}
			cred, err := fetchCredential(cmd.Context(), host, port, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s sha256 %s\n", truststore.Endpoint{Host: host, Port: port}, truststore.Fingerprint(cred.Leaf))
			if cred.Warnings != 0 {
				fmt.Fprintf(out, "warnings: %s\n", cred.Warnings)
			}
			if cred.HostnameMismatch {
				fmt.Fprintln(out, "certificate does not match the host name")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useSSH, "ssh", false, "read an SSH host key instead of a TLS certificate")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "compare the SSH host key with this known_hosts file")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	return cmd
}

func knownHostStatus(path, label string, key ssh.PublicKey) (string, error) {
	kh, err := hostkeys.LoadKnownHosts(path)
	if err != nil {
		return "", err
	}
	ok, err := kh.Lookup(label, key)
	switch {
	case errors.Is(err, hostkeys.ErrHostKeyChanged):
		return "DIFFERS from known_hosts", nil
	case err != nil:
		return "", err
	case ok:
		return "matches known_hosts", nil
	default:
		return "not in known_hosts", nil
	}
}
