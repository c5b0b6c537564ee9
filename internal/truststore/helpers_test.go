// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/toeirei/keytrust/internal/lock"
)

var serial int64

// newCertValid creates a self-signed ECDSA leaf valid between the given times.
func newCertValid(t *testing.T, notBefore, notAfter time.Time, names ...string) []byte {
	t.Helper()
	if len(names) == 0 {
		names = []string{"a.example.com"}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

// newCert creates a certificate valid from an hour ago for a day.
func newCert(t *testing.T, names ...string) []byte {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	return newCertValid(t, now.Add(-time.Hour), now.Add(24*time.Hour), names...)
}

type warnings struct {
	mu   sync.Mutex
	errs []error
}

func (w *warnings) add(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

func (w *warnings) has(target error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, err := range w.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// newFileStore returns a store over a fresh YAML file plus its path.
func newFileStore(t *testing.T) (*Store, string, *warnings) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	w := &warnings{}
	return openStore(path, w), path, w
}

func openStore(path string, w *warnings) *Store {
	return New(Options{
		Backend:   NewFileBackend(path),
		Locks:     lock.NewManager(lock.Noop{}, lock.Options{OnWarning: w.add}),
		OnWarning: w.add,
	})
}

// countingPrimitive records primitive usage so tests can check that
// durable access happens under the lock.
type countingPrimitive struct {
	mu      sync.Mutex
	held    map[lock.Purpose]bool
	locks   int
	unlocks int
}

func (c *countingPrimitive) Lock(p lock.Purpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = map[lock.Purpose]bool{}
	}
	c.locks++
	c.held[p] = true
	return nil
}

func (c *countingPrimitive) TryLock(p lock.Purpose) (bool, error) { return true, c.Lock(p) }

func (c *countingPrimitive) Unlock(p lock.Purpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocks++
	delete(c.held, p)
	return nil
}

func (c *countingPrimitive) Close() error { return nil }

func (c *countingPrimitive) isHeld(ps ...lock.Purpose) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ps) == 0 {
		return len(c.held) > 0
	}
	for _, p := range ps {
		if !c.held[p] {
			return false
		}
	}
	return true
}

// lockCheckingBackend fails the test when touched without the lock.
type lockCheckingBackend struct {
	Backend
	t    *testing.T
	prim *countingPrimitive
}

func (b lockCheckingBackend) Changed() (bool, error) {
	if !b.prim.isHeld(lock.TrustedCertificates) {
		b.t.Errorf("Changed called without lock")
	}
	return b.Backend.Changed()
}

func (b lockCheckingBackend) Load() (Snapshot, error) {
	if !b.prim.isHeld(lock.TrustedCertificates) {
		b.t.Errorf("Load called without lock")
	}
	return b.Backend.Load()
}

func (b lockCheckingBackend) Save(s Snapshot) error {
	if !b.prim.isHeld(lock.TrustedCertificates, lock.Settings) {
		b.t.Errorf("Save called without holding every purpose of the file")
	}
	return b.Backend.Save(s)
}

// failingBackend wraps a backend and fails saves on demand.
type failingBackend struct {
	Backend
	failSave bool
}

func (b *failingBackend) Save(s Snapshot) error {
	if b.failSave {
		return errors.New("disk full")
	}
	return b.Backend.Save(s)
}

type recordingJournal struct {
	decisions []Decision
	err       error
}

func (j *recordingJournal) Record(d Decision) error {
	j.decisions = append(j.decisions, d)
	return j.err
}

type recordingObserver struct {
	lookups   map[string]int
	hits      int
	decisions []Decision
	reloads   []bool
}

func (o *recordingObserver) ObserveLookup(kind string, hit bool) {
	if o.lookups == nil {
		o.lookups = map[string]int{}
	}
	o.lookups[kind]++
	if hit {
		o.hits++
	}
}

func (o *recordingObserver) ObserveDecision(d Decision) { o.decisions = append(o.decisions, d) }
func (o *recordingObserver) ObserveReload(changed bool) { o.reloads = append(o.reloads, changed) }
