// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package truststore decides whether a presented TLS certificate is already
// trusted for an endpoint, whether the endpoint was flagged insecure, and
// records new decisions.
//
// Decisions live in two layers: session records held only in memory, and
// durable records kept in a YAML file shared with other processes. Durable
// access is serialized with the cross-process lock from package lock, and
// the file is only re-read when its signature changed since this process
// last saw it.
//
// For any (host, port) pair a trusted certificate and an insecure host
// record never coexist; writing one removes the other from both layers.
package truststore

import (
	"crypto/x509"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/toeirei/keytrust/internal/lock"
)

// Action names a kind of trust decision.
type Action string

const (
	ActionTrust    Action = "trust"
	ActionInsecure Action = "insecure"
	ActionForget   Action = "forget"
	ActionPrune    Action = "prune"
)

// Decision describes one mutation of the store.
type Decision struct {
	Action      Action
	Host        string
	Port        int
	Permanent   bool
	TrustSANs   bool
	Fingerprint string
	At          time.Time
}

// Journal records decisions, for example to an audit table.
type Journal interface {
	Record(Decision) error
}

// Observer receives lookup results and decisions, e.g. for metrics.
type Observer interface {
	ObserveLookup(kind string, hit bool)
	ObserveDecision(Decision)
	ObserveReload(changed bool)
}

// Options configures a Store.
type Options struct {
	// Backend holds durable records. Nil keeps everything in memory.
	Backend Backend
	// Locks serializes durable access across processes. Nil means
	// process-local only.
	Locks *lock.Manager
	// Purpose selects the lock slot. The zero value is
	// lock.TrustedCertificates.
	Purpose lock.Purpose
	// Now defaults to time.Now.
	Now func() time.Time
	// OnWarning receives soft failures: unreadable or unwritable store
	// and journal errors. Lock failures are reported by the lock.Manager.
	OnWarning func(error)
	Journal   Journal
	Observer  Observer
}

// Store is the trust evaluator. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	backend  Backend
	locks    *lock.Manager
	purpose  lock.Purpose
	// shared are the other purposes guarding sections of the same file.
	// Saves rewrite the whole file, so they hold these too.
	shared   []lock.Purpose
	now      func() time.Time
	warn     func(error)
	journal  Journal
	observer Observer

	// held is the outermost guard while this store owns the lock. Nested
	// frames re-enter through it.
	held *lock.Guard

	loaded          bool
	trusted         []TrustedCertificate
	insecure        []InsecureHost
	sessionTrusted  []TrustedCertificate
	sessionInsecure []InsecureHost

	// pending holds durable changes whose save failed. They are applied on
	// top of every later load until a save succeeds.
	pending []pendingChange
}

type changeKind int

const (
	changeTrust changeKind = iota
	changeInsecure
	changeForget
	changeClearTrusted
	changeClearInsecure
)

type pendingChange struct {
	kind changeKind
	ep   Endpoint
	cert TrustedCertificate
}

// New builds a Store. Nothing is read until the first call that needs
// durable data.
func New(opts Options) *Store {
	s := &Store{
		backend:  opts.Backend,
		locks:    opts.Locks,
		purpose:  opts.Purpose,
		now:      opts.Now,
		warn:     opts.OnWarning,
		journal:  opts.Journal,
		observer: opts.Observer,
	}
	if s.locks == nil {
		s.locks = lock.NewManager(nil, lock.Options{})
	}
	for _, p := range lock.Purposes() {
		if p != s.purpose {
			s.shared = append(s.shared, p)
		}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.warn == nil {
		s.warn = func(error) {}
	}
	return s
}

// Reload re-reads the durable records if the backing file changed since the
// last load or save. It reports whether a load took place.
func (s *Store) Reload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.loadIfModified()
	if err != nil {
		s.warn(err)
	}
	return changed
}

// loadIfModified must be called with s.mu held.
func (s *Store) loadIfModified() (bool, error) {
	if s.backend == nil {
		return false, nil
	}
	defer s.lockDurable()()

	if s.loaded {
		changed, err := s.backend.Changed()
		if err != nil {
			s.dropDurable()
			return false, fmt.Errorf("%w: %v", ErrStoreUnreadable, err)
		}
		if !changed {
			s.observeReload(false)
			return false, nil
		}
	}
	snap, err := s.backend.Load()
	if err != nil {
		s.dropDurable()
		return false, fmt.Errorf("%w: %v", ErrStoreUnreadable, err)
	}
	rec := Reconcile(snap, s.now())
	s.trusted, s.insecure = rec.Trusted, rec.Insecure
	s.loaded = true
	s.observeReload(true)
	for _, c := range s.pending {
		s.apply(c)
	}
	if rec.Dirty() {
		s.record(Decision{Action: ActionPrune, Permanent: true, At: s.now()})
	}
	if rec.Dirty() || len(s.pending) > 0 {
		if err := s.writeBackend(); err != nil {
			s.warn(fmt.Errorf("%w: %v", ErrStoreUnwritable, err))
		} else {
			s.pending = nil
		}
	}
	return true, nil
}

// dropDurable forgets the in-memory durable view after a failed read so the
// next operation retries the load. Unsaved changes stay visible.
func (s *Store) dropDurable() {
	s.loaded = false
	s.trusted, s.insecure = nil, nil
	for _, c := range s.pending {
		s.apply(c)
	}
}

// lockDurable takes the cross-process lock, re-entering through the held
// guard when this store already owns it, and returns the release func.
// s.mu must be held.
func (s *Store) lockDurable() func() {
	if s.held != nil {
		return s.held.Acquire().Release
	}
	g := s.locks.Acquire(s.purpose)
	s.held = g
	return func() {
		s.held = nil
		g.Release()
	}
}

// apply performs c on the durable view.
func (s *Store) apply(c pendingChange) {
	switch c.kind {
	case changeTrust:
		s.insecure, _ = removeInsecure(s.insecure, c.ep)
		if !findTrusted(s.trusted, c.ep.Host, c.ep.Port, c.cert.Raw, false) {
			s.trusted = append(s.trusted, c.cert)
		}
	case changeInsecure:
		s.trusted, _ = removeTrustedFor(s.trusted, c.ep)
		if !containsInsecure(s.insecure, c.ep) {
			s.insecure = append(s.insecure, InsecureHost(c.ep))
		}
	case changeForget:
		s.trusted, _ = removeTrustedFor(s.trusted, c.ep)
		s.insecure, _ = removeInsecure(s.insecure, c.ep)
	case changeClearTrusted:
		s.trusted, _ = removeTrustedFor(s.trusted, c.ep)
	case changeClearInsecure:
		s.insecure, _ = removeInsecure(s.insecure, c.ep)
	}
}

// commit saves the durable view after c was applied. A failed save keeps c
// pending.
func (s *Store) commit(c pendingChange) error {
	err := s.save()
	if err != nil {
		s.pending = append(s.pending, c)
	}
	return err
}

func (s *Store) refresh() {
	if _, err := s.loadIfModified(); err != nil {
		s.warn(err)
	}
}

func (s *Store) snapshot() Snapshot {
	return Snapshot{
		Trusted:  slices.Clone(s.trusted),
		Insecure: slices.Clone(s.insecure),
	}
}

// writeBackend saves the durable view while also holding the shared
// purposes.
func (s *Store) writeBackend() error {
	for _, p := range s.shared {
		g := s.locks.Acquire(p)
		defer g.Release()
	}
	return s.backend.Save(s.snapshot())
}

func (s *Store) save() error {
	if s.backend == nil {
		return nil
	}
	if !s.loaded {
		// Writing now would replace records that were never read.
		err := fmt.Errorf("%w: durable records not loaded", ErrStoreUnwritable)
		s.warn(err)
		return err
	}
	if err := s.writeBackend(); err != nil {
		err = fmt.Errorf("%w: %v", ErrStoreUnwritable, err)
		s.warn(err)
		return err
	}
	s.pending = nil
	return nil
}

// IsTrusted reports whether raw was accepted before for host and port,
// checking session records first and durable records second. allowSANs
// permits a match on another host name when the record was stored with
// TrustSANs; it never applies to IP literals.
func (s *Store) IsTrusted(host string, port int, raw []byte, allowSANs bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hit := s.isTrusted(host, port, raw, false, allowSANs)
	s.observeLookup("trusted", hit)
	return hit
}

func (s *Store) isTrusted(host string, port int, raw []byte, permanentOnly, allowSANs bool) bool {
	if len(raw) == 0 {
		return false
	}
	if !permanentOnly && findTrusted(s.sessionTrusted, host, port, raw, allowSANs) {
		return true
	}
	s.refresh()
	return findTrusted(s.trusted, host, port, raw, allowSANs)
}

// IsTrustedCredential applies IsTrusted to a presented credential. Any
// algorithm warning vetoes trust, and a hostname mismatch disables SAN
// relaxation.
func (s *Store) IsTrustedCredential(c Credential) bool {
	if c.Warnings != 0 {
		s.observeLookup("trusted", false)
		return false
	}
	return s.IsTrusted(c.Host, c.Port, c.Leaf, !c.HostnameMismatch)
}

// SetTrusted records raw as trusted for host and port, removing any
// insecure-host decision for the pair. A permanent decision is written to
// the backend with the certificate's validity period; an identical durable
// record makes the call a no-op.
//
// When saving fails the decision still applies to this process and the
// returned error wraps ErrStoreUnwritable.
func (s *Store) SetTrusted(host string, port int, raw []byte, trustSANs, permanent bool) error {
	ep := Endpoint{Host: host, Port: port}
	if err := ep.validate(); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty certificate", ErrInvalidCertificate)
	}
	rec := TrustedCertificate{Host: host, Port: port, Raw: slices.Clone(raw), TrustSANs: trustSANs}
	if permanent {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		rec.NotBefore, rec.NotAfter = cert.NotBefore.UTC(), cert.NotAfter.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionInsecure, _ = removeInsecure(s.sessionInsecure, ep)

	defer s.lockDurable()()
	s.refresh()

	if !permanent {
		var err error
		var removed bool
		if s.insecure, removed = removeInsecure(s.insecure, ep); removed {
			err = s.commit(pendingChange{kind: changeClearInsecure, ep: ep})
		}
		if !findTrusted(s.sessionTrusted, host, port, raw, false) {
			s.sessionTrusted = append(s.sessionTrusted, rec)
		}
		s.record(Decision{Action: ActionTrust, Host: host, Port: port, TrustSANs: trustSANs, Fingerprint: rec.Fingerprint(), At: s.now()})
		return err
	}

	if s.isTrusted(host, port, raw, true, false) {
		return nil
	}
	c := pendingChange{kind: changeTrust, ep: ep, cert: rec}
	s.apply(c)
	err := s.commit(c)
	s.record(Decision{Action: ActionTrust, Host: host, Port: port, Permanent: true, TrustSANs: trustSANs, Fingerprint: rec.Fingerprint(), At: s.now()})
	return err
}

// IsInsecure reports whether insecure fallback was authorized for the pair.
// Session decisions are skipped when permanentOnly is set.
func (s *Store) IsInsecure(host string, port int, permanentOnly bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hit := s.isInsecure(Endpoint{Host: host, Port: port}, permanentOnly)
	s.observeLookup("insecure", hit)
	return hit
}

func (s *Store) isInsecure(ep Endpoint, permanentOnly bool) bool {
	if !permanentOnly && containsInsecure(s.sessionInsecure, ep) {
		return true
	}
	s.refresh()
	return containsInsecure(s.insecure, ep)
}

// SetInsecure flags the pair as insecure, removing every trusted
// certificate recorded for it in both layers.
func (s *Store) SetInsecure(host string, port int, permanent bool) error {
	ep := Endpoint{Host: host, Port: port}
	if err := ep.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTrusted, _ = removeTrustedFor(s.sessionTrusted, ep)

	defer s.lockDurable()()
	s.refresh()

	var removed bool
	s.trusted, removed = removeTrustedFor(s.trusted, ep)

	if !permanent {
		var err error
		if removed {
			err = s.commit(pendingChange{kind: changeClearTrusted, ep: ep})
		}
		if !containsInsecure(s.sessionInsecure, ep) {
			s.sessionInsecure = append(s.sessionInsecure, InsecureHost(ep))
		}
		s.record(Decision{Action: ActionInsecure, Host: host, Port: port, At: s.now()})
		return err
	}

	if containsInsecure(s.insecure, ep) && !removed {
		return nil
	}
	c := pendingChange{kind: changeInsecure, ep: ep}
	s.apply(c)
	err := s.commit(c)
	s.record(Decision{Action: ActionInsecure, Host: host, Port: port, Permanent: true, At: s.now()})
	return err
}

// HasAnyTrustDecision reports whether any certificate was ever trusted for
// the pair in either layer. Callers use it to spot an endpoint that now
// presents something different from what was accepted before.
func (s *Store) HasAnyTrustDecision(host string, port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := Endpoint{Host: host, Port: port}
	if anyTrustedFor(s.sessionTrusted, ep) {
		return true
	}
	s.refresh()
	return anyTrustedFor(s.trusted, ep)
}

// Forget removes every decision for the pair from both layers.
func (s *Store) Forget(host string, port int) error {
	ep := Endpoint{Host: host, Port: port}
	if err := ep.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTrusted, _ = removeTrustedFor(s.sessionTrusted, ep)
	s.sessionInsecure, _ = removeInsecure(s.sessionInsecure, ep)

	defer s.lockDurable()()
	s.refresh()

	var rt, ri bool
	s.trusted, rt = removeTrustedFor(s.trusted, ep)
	s.insecure, ri = removeInsecure(s.insecure, ep)
	var err error
	// With an unreadable file the pair may still be stored there.
	if rt || ri || (s.backend != nil && !s.loaded) {
		err = s.commit(pendingChange{kind: changeForget, ep: ep})
	}
	s.record(Decision{Action: ActionForget, Host: host, Port: port, Permanent: rt || ri, At: s.now()})
	return err
}

// Listing is a copy of every record the store currently holds.
type Listing struct {
	Trusted         []TrustedCertificate
	Insecure        []InsecureHost
	SessionTrusted  []TrustedCertificate
	SessionInsecure []InsecureHost
}

// List returns a copy of all records after reloading the durable set if it
// changed.
func (s *Store) List() Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return Listing{
		Trusted:         slices.Clone(s.trusted),
		Insecure:        slices.Clone(s.insecure),
		SessionTrusted:  slices.Clone(s.sessionTrusted),
		SessionInsecure: slices.Clone(s.sessionInsecure),
	}
}

func (s *Store) record(d Decision) {
	if s.observer != nil {
		s.observer.ObserveDecision(d)
	}
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(d); err != nil {
		s.warn(fmt.Errorf("journal: %w", err))
	}
}

func (s *Store) observeLookup(kind string, hit bool) {
	if s.observer != nil {
		s.observer.ObserveLookup(kind, hit)
	}
}

func (s *Store) observeReload(changed bool) {
	if s.observer != nil {
		s.observer.ObserveReload(changed)
	}
}
