// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"testing"
	"time"
)

func TestReconcile(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	valid := func(host string, port int, raw string) TrustedCertificate {
		return TrustedCertificate{Host: host, Port: port, Raw: []byte(raw), NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	}

	expired := valid("old", 443, "old")
	expired.NotAfter = now.Add(-time.Minute)
	future := valid("new", 443, "new")
	future.NotBefore = now.Add(time.Minute)
	noDates := TrustedCertificate{Host: "bare", Port: 443, Raw: []byte("bare")}

	cases := []struct {
		name         string
		snap         Snapshot
		wantTrusted  int
		wantInsecure int
		wantDropped  int
	}{
		{
			name:        "clean",
			snap:        Snapshot{Trusted: []TrustedCertificate{valid("a", 443, "x")}, Insecure: []InsecureHost{{Host: "b", Port: 21}}},
			wantTrusted: 1, wantInsecure: 1,
		},
		{
			name:        "validity window",
			snap:        Snapshot{Trusted: []TrustedCertificate{expired, future, noDates, valid("a", 443, "x")}},
			wantTrusted: 1, wantDropped: 3,
		},
		{
			name:        "bad endpoints and empty data",
			snap:        Snapshot{Trusted: []TrustedCertificate{valid("", 443, "x"), valid("a", 0, "x"), valid("a", 443, "")}, Insecure: []InsecureHost{{Host: "", Port: 21}, {Host: "b", Port: 99999}}},
			wantDropped: 5,
		},
		{
			name:        "duplicates",
			snap:        Snapshot{Trusted: []TrustedCertificate{valid("a", 443, "x"), valid("a", 443, "x"), valid("a", 443, "y")}, Insecure: []InsecureHost{{Host: "b", Port: 21}, {Host: "b", Port: 21}}},
			wantTrusted: 2, wantInsecure: 1, wantDropped: 2,
		},
		{
			name:        "insecure loses to trusted",
			snap:        Snapshot{Trusted: []TrustedCertificate{valid("a", 443, "x")}, Insecure: []InsecureHost{{Host: "a", Port: 443}, {Host: "a", Port: 80}}},
			wantTrusted: 1, wantInsecure: 1, wantDropped: 1,
		},
		{
			name:        "insecure kept when trusted record expired",
			snap:        Snapshot{Trusted: []TrustedCertificate{expired}, Insecure: []InsecureHost{{Host: "old", Port: 443}}},
			wantInsecure: 1, wantDropped: 1,
		},
		{
			name:        "malformed entries count as dropped",
			snap:        Snapshot{Malformed: 2},
			wantDropped: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconcile(tc.snap, now)
			if len(got.Trusted) != tc.wantTrusted {
				t.Errorf("trusted = %d, want %d", len(got.Trusted), tc.wantTrusted)
			}
			if len(got.Insecure) != tc.wantInsecure {
				t.Errorf("insecure = %d, want %d", len(got.Insecure), tc.wantInsecure)
			}
			if got.Dropped != tc.wantDropped {
				t.Errorf("dropped = %d, want %d", got.Dropped, tc.wantDropped)
			}
			if got.Dirty() != (tc.wantDropped > 0) {
				t.Errorf("dirty = %v with %d dropped", got.Dirty(), got.Dropped)
			}
		})
	}
}

func TestReconcile_BoundariesAreInclusive(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := TrustedCertificate{Host: "a", Port: 1, Raw: []byte{1}, NotBefore: now, NotAfter: now}
	if got := Reconcile(Snapshot{Trusted: []TrustedCertificate{c}}, now); len(got.Trusted) != 1 {
		t.Fatalf("record valid exactly at now was dropped")
	}
}
