// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Endpoint is the (host, port) pair a trust decision applies to. Host is
// kept exactly as the caller used it to connect.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	if strings.Contains(e.Host, ":") && !strings.HasPrefix(e.Host, "[") {
		return fmt.Sprintf("[%s]:%d", e.Host, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// TrustedCertificate records that a leaf certificate was accepted for an
// endpoint. NotBefore and NotAfter are only meaningful for durable records
// and come from the certificate itself.
type TrustedCertificate struct {
	Host      string
	Port      int
	Raw       []byte
	TrustSANs bool
	NotBefore time.Time
	NotAfter  time.Time
}

// Endpoint returns the pair this record applies to.
func (c TrustedCertificate) Endpoint() Endpoint { return Endpoint{Host: c.Host, Port: c.Port} }

// Fingerprint is the hex SHA-256 of the raw certificate.
func (c TrustedCertificate) Fingerprint() string { return Fingerprint(c.Raw) }

// matches applies the lookup rule: same port, byte-identical certificate,
// and either the same host or a SAN-relaxed match on a DNS name.
func (c TrustedCertificate) matches(host string, port int, raw []byte, allowSANs bool) bool {
	if port != c.Port || !bytes.Equal(raw, c.Raw) {
		return false
	}
	if host == c.Host {
		return true
	}
	return allowSANs && c.TrustSANs && !IsIPLiteral(host)
}

// validAt reports whether a durable record may stay trusted at now.
func (c TrustedCertificate) validAt(now time.Time) bool {
	if c.NotBefore.IsZero() || c.NotAfter.IsZero() {
		return false
	}
	return !c.NotBefore.After(now) && !c.NotAfter.Before(now)
}

// InsecureHost records that plaintext or otherwise insecure fallback has
// been authorized for an endpoint.
type InsecureHost struct {
	Host string
	Port int
}

// Endpoint returns the pair this record applies to.
func (h InsecureHost) Endpoint() Endpoint { return Endpoint(h) }

// Fingerprint returns the hex SHA-256 of raw, or "" for empty input.
func Fingerprint(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// IsIPLiteral reports whether host is an IPv4 or IPv6 address literal,
// optionally bracketed or carrying a zone.
func IsIPLiteral(host string) bool {
	h := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	_, err := netip.ParseAddr(h)
	return err == nil
}

func findTrusted(list []TrustedCertificate, host string, port int, raw []byte, allowSANs bool) bool {
	if len(raw) == 0 {
		return false
	}
	for _, c := range list {
		if c.matches(host, port, raw, allowSANs) {
			return true
		}
	}
	return false
}

func anyTrustedFor(list []TrustedCertificate, ep Endpoint) bool {
	for _, c := range list {
		if c.Endpoint() == ep {
			return true
		}
	}
	return false
}

func removeTrustedFor(list []TrustedCertificate, ep Endpoint) ([]TrustedCertificate, bool) {
	out := list[:0]
	removed := false
	for _, c := range list {
		if c.Endpoint() == ep {
			removed = true
			continue
		}
		out = append(out, c)
	}
	return out, removed
}

func containsInsecure(list []InsecureHost, ep Endpoint) bool {
	for _, h := range list {
		if h.Endpoint() == ep {
			return true
		}
	}
	return false
}

func removeInsecure(list []InsecureHost, ep Endpoint) ([]InsecureHost, bool) {
	out := list[:0]
	removed := false
	for _, h := range list {
		if h.Endpoint() == ep {
			removed = true
			continue
		}
		out = append(out, h)
	}
	return out, removed
}
