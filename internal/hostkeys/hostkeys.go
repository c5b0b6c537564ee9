// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package hostkeys is a session-only trust cache for SSH host keys and other
// credentials that are not X.509 certificates. Entries are matched exactly
// on (label, fingerprint) and never persisted.
package hostkeys

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ErrUnknownHostKey is returned by a Callback when the presented key is not
// cached and the decision function declined it.
var ErrUnknownHostKey = errors.New("host key not trusted")

type entry struct {
	label       string
	fingerprint string
}

// Cache holds host key fingerprints accepted during this process. The zero
// value is ready to use.
type Cache struct {
	mu      sync.Mutex
	entries []entry
}

// IsTrusted reports whether fingerprint was remembered for label.
func (c *Cache) IsTrusted(label, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.label == label && e.fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Remember appends the pair. Duplicates are kept; lookups only test for
// existence.
func (c *Cache) Remember(label, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{label: label, fingerprint: fingerprint})
}

// Len returns the number of remembered entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Label combines host and port into the opaque cache label.
func Label(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Fingerprint returns the OpenSSH style SHA256 fingerprint of key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

const minRSABits = 2048

// CheckAlgorithm returns a human readable warning for weak host key
// algorithms, or "" when the key is acceptable.
func CheckAlgorithm(key ssh.PublicKey) string {
	switch key.Type() {
	case "ssh-dss":
		return "WARNING: host uses ssh-dss (DSA), which is deprecated and insecure"
	case ssh.KeyAlgoRSA:
		if ck, ok := key.(ssh.CryptoPublicKey); ok {
			if pub, ok := ck.CryptoPublicKey().(*rsa.PublicKey); ok && pub.N.BitLen() < minRSABits {
				return fmt.Sprintf("WARNING: host uses a %d-bit RSA key, which is too short", pub.N.BitLen())
			}
		}
		return "WARNING: host uses an RSA key; prefer ed25519 host keys"
	}
	return ""
}

// Decider is asked about keys the cache does not know. Returning true
// accepts the key for the rest of the session.
type Decider func(label string, key ssh.PublicKey) (bool, error)

// Callback returns an ssh.HostKeyCallback backed by the cache. Unknown keys
// go to decide; a nil decide rejects them.
func (c *Cache) Callback(decide Decider) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		label := hostname
		if host, port, err := net.SplitHostPort(hostname); err == nil {
			label = net.JoinHostPort(host, port)
		}
		fp := Fingerprint(key)
		if c.IsTrusted(label, fp) {
			return nil
		}
		if decide == nil {
			return fmt.Errorf("%w: %s %s", ErrUnknownHostKey, label, fp)
		}
		ok, err := decide(label, key)
		if err != nil {
			return fmt.Errorf("host key decision for %s: %w", label, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrUnknownHostKey, label, fp)
		}
		c.Remember(label, fp)
		return nil
	}
}
