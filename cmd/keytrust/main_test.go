// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toeirei/keytrust/internal/truststore"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type env struct {
	dir       string
	config    string
	storePath string
}

// newEnv writes a config file pointing every path into a temp dir.
func newEnv(t *testing.T, journal bool) env {
	t.Helper()
	dir := t.TempDir()
	e := env{dir: dir, config: filepath.Join(dir, "keytrust.yaml"), storePath: filepath.Join(dir, "settings.yaml")}
	cfg := fmt.Sprintf("store:\n  path: %q\nlock:\n  backend: none\njournal:\n  enabled: %t\n  type: sqlite\n  dsn: %q\nlog:\n  level: error\n",
		e.storePath, journal, filepath.Join(dir, "journal.db"))
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))
	return e
}

func (e env) run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	root.SetIn(stdin)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newTLSServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)
	return srv, srv.Listener.Addr().String()
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	want := []string{"list", "check", "trust", "insecure", "forget", "fingerprint", "backup", "restore", "journal", "config", "version"}
	for _, n := range want {
		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == n {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %s to be registered", n)
		}
	}
	if cmd.Version == "" {
		t.Error("version not set")
	}
}

func TestTrustCheckInsecureForget(t *testing.T) {
	e := newEnv(t, false)
	_, addr := newTLSServer(t)

	out, err := e.run(t, nil, "check", addr)
	require.ErrorIs(t, err, errUntrusted)
	assert.Contains(t, out, "untrusted")

	out, err = e.run(t, nil, "trust", addr, "--yes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Trusted "+addr)

	out, err = e.run(t, nil, "check", addr)
	require.NoError(t, err, out)
	assert.Contains(t, out, "trusted (store)")

	out, err = e.run(t, nil, "list")
	require.NoError(t, err)
	assert.Contains(t, out, addr)
	assert.Contains(t, out, "trusted")

	out, err = e.run(t, nil, "insecure", addr)
	require.NoError(t, err, out)
	out, err = e.run(t, nil, "check", addr)
	require.NoError(t, err, out)
	assert.Contains(t, out, "insecure")

	snap, err := truststore.NewFileBackend(e.storePath).Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Trusted)
	assert.Len(t, snap.Insecure, 1)

	out, err = e.run(t, nil, "forget", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Forgot")
	out, err = e.run(t, nil, "forget", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "No decision recorded")
}

func TestCheck_ValidForRoots(t *testing.T) {
	e := newEnv(t, false)
	srv, addr := newTLSServer(t)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	rootCAs = pool
	t.Cleanup(func() { rootCAs = nil })

	out, err := e.run(t, nil, "check", addr)
	require.NoError(t, err, out)
	assert.Contains(t, out, "valid (system roots)")
	assert.NotContains(t, out, "untrusted")
}

func TestTrust_PromptDeclined(t *testing.T) {
	e := newEnv(t, false)
	_, addr := newTLSServer(t)

	out, err := e.run(t, strings.NewReader("n\n"), "trust", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Not trusted.")

	out, err = e.run(t, nil, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "empty")
}

func TestTrust_FromCertificateFile(t *testing.T) {
	e := newEnv(t, false)
	srv, _ := newTLSServer(t)
	certFile := filepath.Join(e.dir, "leaf.der")
	require.NoError(t, os.WriteFile(certFile, srv.Certificate().Raw, 0o600))

	out, err := e.run(t, strings.NewReader("yes\n"), "trust", "mail.example.com:993", "--cert", certFile, "--sans")
	require.NoError(t, err, out)

	snap, err := truststore.NewFileBackend(e.storePath).Load()
	require.NoError(t, err)
	require.Len(t, snap.Trusted, 1)
	assert.Equal(t, "mail.example.com", snap.Trusted[0].Host)
	assert.Equal(t, 993, snap.Trusted[0].Port)
	assert.True(t, snap.Trusted[0].TrustSANs)
}

func TestFingerprint_TLS(t *testing.T) {
	e := newEnv(t, false)
	srv, addr := newTLSServer(t)

	out, err := e.run(t, nil, "fingerprint", addr)
	require.NoError(t, err)
	assert.Contains(t, out, truststore.Fingerprint(srv.Certificate().Raw))
}

func TestBackupRestore(t *testing.T) {
	e := newEnv(t, false)
	_, addr := newTLSServer(t)

	_, err := e.run(t, nil, "trust", addr, "--yes")
	require.NoError(t, err)
	_, err = e.run(t, nil, "insecure", "ftp.example.com:21")
	require.NoError(t, err)

	backup := filepath.Join(e.dir, "store-backup")
	out, err := e.run(t, nil, "backup", backup)
	require.NoError(t, err)
	assert.Contains(t, out, "1 trusted certificates and 1 insecure hosts")

	_, err = e.run(t, nil, "forget", addr)
	require.NoError(t, err)
	_, err = e.run(t, nil, "forget", "ftp.example.com:21")
	require.NoError(t, err)

	out, err = e.run(t, nil, "restore", backup+".zst")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Restored 2 decisions")

	snap, err := truststore.NewFileBackend(e.storePath).Load()
	require.NoError(t, err)
	assert.Len(t, snap.Trusted, 1)
	assert.Len(t, snap.Insecure, 1)
}

func TestJournalCommand(t *testing.T) {
	e := newEnv(t, true)

	_, err := e.run(t, nil, "insecure", "ftp.example.com:21")
	require.NoError(t, err)
	_, err = e.run(t, nil, "forget", "ftp.example.com:21")
	require.NoError(t, err)

	out, err := e.run(t, nil, "journal", "--target", "ftp.example.com:21")
	require.NoError(t, err)
	assert.Contains(t, out, "insecure")
	assert.Contains(t, out, "forget")

	out, err = e.run(t, nil, "journal", "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 journal entries")
}

func TestJournalCommand_Disabled(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.run(t, nil, "journal")
	assert.ErrorIs(t, err, errJournalDisabled)
}

func TestMetricsTextfile(t *testing.T) {
	e := newEnv(t, false)
	prom := filepath.Join(e.dir, "keytrust.prom")

	_, err := e.run(t, nil, "--metrics-textfile", prom, "insecure", "ftp.example.com:21")
	require.NoError(t, err)
	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `keytrust_decisions_total{action="insecure",scope="permanent"} 1`)
}

func TestVersionCommand(t *testing.T) {
	e := newEnv(t, false)
	out, err := e.run(t, nil, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		port     int
		wantFail bool
	}{
		{in: "example.com", host: "example.com", port: 443},
		{in: "example.com:8443", host: "example.com", port: 8443},
		{in: "[2001:db8::1]:990", host: "2001:db8::1", port: 990},
		{in: "[2001:db8::1]", host: "2001:db8::1", port: 443},
		{in: "example.com:0", wantFail: true},
		{in: "example.com:http", wantFail: true},
		{in: ":443", wantFail: true},
	}
	for _, tc := range cases {
		host, port, err := parseTarget(tc.in, 443)
		if tc.wantFail {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.host, host, tc.in)
		assert.Equal(t, tc.port, port, tc.in)
	}
}

func TestKnownHostStatus(t *testing.T) {
	newKey := func() ssh.PublicKey {
		pubRaw, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pub, err := ssh.NewPublicKey(pubRaw)
		require.NoError(t, err)
		return pub
	}
	pub, other := newKey(), newKey()

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.HashHostname(knownhosts.Normalize("sftp.example.com:2222")) + " " + string(ssh.MarshalAuthorizedKey(pub))
	require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

	status, err := knownHostStatus(path, "sftp.example.com:2222", pub)
	require.NoError(t, err)
	assert.Equal(t, "matches known_hosts", status)

	status, err = knownHostStatus(path, "sftp.example.com:2222", other)
	require.NoError(t, err)
	assert.Equal(t, "DIFFERS from known_hosts", status)

	status, err = knownHostStatus(path, "sftp.example.com:22", pub)
	require.NoError(t, err)
	assert.Equal(t, "not in known_hosts", status)

	_, err = knownHostStatus(filepath.Join(t.TempDir(), "missing"), "a:22", pub)
	assert.Error(t, err)
}
