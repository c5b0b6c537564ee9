// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import "time"

// Snapshot is the durable subset of the store as read from or written to a
// Backend. Malformed counts entries the decoder could not turn into records.
type Snapshot struct {
	Trusted   []TrustedCertificate
	Insecure  []InsecureHost
	Malformed int
}

// Reconciled is the cleaned-up result of a freshly loaded Snapshot.
type Reconciled struct {
	Trusted  []TrustedCertificate
	Insecure []InsecureHost
	// Dropped counts candidates removed by validation, deduplication or
	// mutual exclusion, plus malformed entries.
	Dropped int
}

// Dirty reports whether the on-disk data differs from the reconciled set
// and should be rewritten.
func (r Reconciled) Dirty() bool { return r.Dropped > 0 }

// Reconcile validates, prunes and deduplicates a loaded snapshot. It has no
// side effects; the caller decides whether to persist a dirty result.
func Reconcile(snap Snapshot, now time.Time) Reconciled {
	out := Reconciled{Dropped: snap.Malformed}

	for _, c := range snap.Trusted {
		if len(c.Raw) == 0 || c.Endpoint().validate() != nil || !c.validAt(now) {
			out.Dropped++
			continue
		}
		if findTrusted(out.Trusted, c.Host, c.Port, c.Raw, false) {
			out.Dropped++
			continue
		}
		out.Trusted = append(out.Trusted, c)
	}

	for _, h := range snap.Insecure {
		ep := h.Endpoint()
		if ep.validate() != nil || anyTrustedFor(out.Trusted, ep) || containsInsecure(out.Insecure, ep) {
			out.Dropped++
			continue
		}
		out.Insecure = append(out.Insecure, h)
	}
	return out
}
