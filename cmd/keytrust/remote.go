// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/truststore"
	"golang.org/x/term"
)

// rootCAs overrides the system roots used to verify fetched chains.
var rootCAs *x509.CertPool

// parseTarget splits "host", "host:port" or "[v6]:port" and applies defPort
// when no port is given.
func parseTarget(arg string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(arg, "["), "]")
		if host == "" {
			return "", 0, fmt.Errorf("invalid target %q", arg)
		}
		return host, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", arg)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid target %q", arg)
	}
	return host, port, nil
}

// fetchCredential completes a TLS handshake with host:port without trusting
// anything, then verifies the chain against the system roots so the caller
// can tell a hostname mismatch apart from other failures.
func fetchCredential(ctx context.Context, host string, port int, timeout time.Duration) (truststore.Credential, error) {
	cfg := &tls.Config{
		// Verification happens below; the handshake must succeed for
		// self-signed and mismatched certificates too.
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS10,
	}
	if !truststore.IsIPLiteral(host) {
		cfg.ServerName = host
	}
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return truststore.Credential{}, fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}
	defer conn.Close()

	cs := conn.(*tls.Conn).ConnectionState()
	var verifyErr error
	if len(cs.PeerCertificates) > 0 {
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, verifyErr = cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       host,
			Intermediates: inter,
			Roots:         rootCAs,
		})
	}
	return truststore.CredentialFromTLS(host, port, cs, verifyErr)
}

// readCertificateFile accepts a PEM or DER encoded certificate and returns
// the parsed certificate.
func readCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

var errNoTerminal = errors.New("no terminal to confirm on; pass --yes")

// promptForConfirmation asks a yes/no question. When the input is the real
// stdin it must be a terminal.
func promptForConfirmation(cmd *cobra.Command, prompt string) (bool, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errNoTerminal
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
