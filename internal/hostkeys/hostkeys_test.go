// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package hostkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newEd25519(t *testing.T) (ssh.PublicKey, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer.PublicKey(), signer
}

func TestCache_ExactMatch(t *testing.T) {
	var c Cache
	label := Label("sftp.example.com", 22)
	if c.IsTrusted(label, "SHA256:abc") {
		t.Fatal("empty cache trusted a key")
	}
	c.Remember(label, "SHA256:abc")
	c.Remember(label, "SHA256:abc")

	if !c.IsTrusted(label, "SHA256:abc") {
		t.Error("remembered key not trusted")
	}
	if c.IsTrusted(label, "SHA256:abd") {
		t.Error("different fingerprint trusted")
	}
	if c.IsTrusted(Label("sftp.example.com", 2222), "SHA256:abc") {
		t.Error("different port trusted")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2 (no dedup)", c.Len())
	}
}

func TestLabel(t *testing.T) {
	if got := Label("example.com", 22); got != "example.com:22" {
		t.Errorf("Label = %q", got)
	}
	if got := Label("2001:db8::1", 22); got != "[2001:db8::1]:22" {
		t.Errorf("Label = %q", got)
	}
}

func TestCheckAlgorithm(t *testing.T) {
	edPub, _ := newEd25519(t)
	if w := CheckAlgorithm(edPub); w != "" {
		t.Errorf("ed25519 warned: %s", w)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	rsaPub, err := ssh.NewPublicKey(&rsaKey.PublicKey)
	if err != nil {
		t.Fatalf("ssh rsa: %v", err)
	}
	if w := CheckAlgorithm(rsaPub); !strings.Contains(w, "1024-bit") {
		t.Errorf("short RSA key warning = %q", w)
	}
}

func TestCallback(t *testing.T) {
	pub, _ := newEd25519(t)
	remote := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}
	var c Cache

	reject := c.Callback(nil)
	if err := reject("host.example.com:22", remote, pub); !errors.Is(err, ErrUnknownHostKey) {
		t.Fatalf("nil decider: err = %v", err)
	}

	asked := 0
	accept := c.Callback(func(label string, key ssh.PublicKey) (bool, error) {
		asked++
		if label != "host.example.com:22" {
			t.Errorf("label = %q", label)
		}
		return true, nil
	})
	if err := accept("host.example.com:22", remote, pub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := accept("host.example.com:22", remote, pub); err != nil {
		t.Fatalf("cached accept: %v", err)
	}
	if asked != 1 {
		t.Errorf("decider asked %d times, want 1", asked)
	}
	if err := reject("host.example.com:22", remote, pub); err != nil {
		t.Errorf("cached key rejected: %v", err)
	}

	boom := errors.New("tty closed")
	failing := c.Callback(func(string, ssh.PublicKey) (bool, error) { return false, boom })
	other, _ := newEd25519(t)
	if err := failing("host.example.com:22", remote, other); !errors.Is(err, boom) {
		t.Errorf("decider error not wrapped: %v", err)
	}
}

func TestProbe(t *testing.T) {
	pub, signer := newEd25519(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _, _ = ssh.NewServerConn(conn, cfg)
	}()

	got, err := Probe(context.Background(), ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if Fingerprint(got) != Fingerprint(pub) {
		t.Errorf("fingerprint = %s, want %s", Fingerprint(got), Fingerprint(pub))
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Probe(context.Background(), addr, time.Second); err == nil {
		t.Fatal("expected error for closed port")
	}
}

func TestErrorStrings(t *testing.T) {
	for _, err := range []error{errKeyRetrieved, ErrHostKeyChanged, ErrUnknownHostKey} {
		msg := err.Error()
		if strings.Contains(msg, ":") {
			t.Errorf("error %q carries a prefix; callers add their own context", msg)
		}
		if msg != strings.ToLower(msg[:1])+msg[1:] {
			t.Errorf("error %q should start lower case", msg)
		}
	}
}
