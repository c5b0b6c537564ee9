// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"testing"
)

func TestIsIPLiteral(t *testing.T) {
	cases := map[string]bool{
		"192.0.2.1":        true,
		"2001:db8::1":      true,
		"[2001:db8::1]":    true,
		"fe80::1%eth0":     true,
		"example.com":      false,
		"localhost":        false,
		"192.0.2.1.nip.io": false,
		"":                 false,
	}
	for host, want := range cases {
		if got := IsIPLiteral(host); got != want {
			t.Errorf("IsIPLiteral(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestEndpointString(t *testing.T) {
	cases := []struct {
		ep   Endpoint
		want string
	}{
		{Endpoint{Host: "example.com", Port: 443}, "example.com:443"},
		{Endpoint{Host: "2001:db8::1", Port: 990}, "[2001:db8::1]:990"},
		{Endpoint{Host: "[2001:db8::1]", Port: 990}, "[2001:db8::1]:990"},
	}
	for _, tc := range cases {
		if got := tc.ep.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.ep, got, tc.want)
		}
	}
}

func TestTrustedCertificateMatches(t *testing.T) {
	c := TrustedCertificate{Host: "a.example.com", Port: 443, Raw: []byte("der"), TrustSANs: true}

	if !c.matches("a.example.com", 443, []byte("der"), false) {
		t.Error("exact match failed")
	}
	if c.matches("a.example.com", 443, []byte("other"), true) {
		t.Error("different certificate matched")
	}
	if !c.matches("b.example.com", 443, []byte("der"), true) {
		t.Error("SAN-relaxed match failed")
	}
	if c.matches("10.0.0.1", 443, []byte("der"), true) {
		t.Error("SAN relaxation applied to IP literal")
	}
	c.TrustSANs = false
	if c.matches("b.example.com", 443, []byte("der"), true) {
		t.Error("SAN relaxation applied without TrustSANs")
	}
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint(nil); got != "" {
		t.Errorf("Fingerprint(nil) = %q", got)
	}
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Fingerprint([]byte("abc")); got != want {
		t.Errorf("Fingerprint(abc) = %q, want %q", got, want)
	}
}

func TestRemoveHelpersKeepOtherPairs(t *testing.T) {
	list := []InsecureHost{{Host: "a", Port: 1}, {Host: "b", Port: 1}, {Host: "a", Port: 2}}
	out, removed := removeInsecure(list, Endpoint{Host: "a", Port: 1})
	if !removed || len(out) != 2 || out[0].Host != "b" || out[1].Port != 2 {
		t.Fatalf("removeInsecure = %v, %v", out, removed)
	}
	if _, removed := removeInsecure(out, Endpoint{Host: "z", Port: 1}); removed {
		t.Fatal("removeInsecure reported removal of an absent pair")
	}

	certs := []TrustedCertificate{{Host: "a", Port: 1, Raw: []byte{1}}, {Host: "a", Port: 1, Raw: []byte{2}}, {Host: "a", Port: 3, Raw: []byte{1}}}
	kept, removed := removeTrustedFor(certs, Endpoint{Host: "a", Port: 1})
	if !removed || len(kept) != 1 || kept[0].Port != 3 {
		t.Fatalf("removeTrustedFor = %v, %v", kept, removed)
	}
}
