// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package lock provides a reentrant, per-purpose mutex shared by every
// process of the application that touches the same durable store.
//
// The reentrant layer (Manager) keeps a reference count per purpose and only
// touches the underlying Primitive on the 0->1 and 1->0 transitions. Between
// those transitions the purpose has a single owner inside the process too:
// other goroutines wait in Acquire, and nested frames of the owner re-enter
// through Guard.Acquire. Code holding several purposes takes them in
// increasing order.
//
// The Primitive is either an advisory byte-range lock on a shared lock file
// (one reserved byte per purpose) or, on Windows, a set of named mutex
// objects.
package lock

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Purpose identifies one logical store guarded by its own lock.
type Purpose int

const (
	// TrustedCertificates guards the trusted certificate / insecure host sections.
	TrustedCertificates Purpose = iota
	// Settings guards unrelated application settings sharing the same file.
	Settings

	purposeCount
)

func (p Purpose) String() string {
	switch p {
	case TrustedCertificates:
		return "trusted-certificates"
	case Settings:
		return "settings"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

func (p Purpose) valid() bool { return p >= 0 && p < purposeCount }

// Purposes lists every purpose identifier.
func Purposes() []Purpose {
	out := make([]Purpose, 0, purposeCount)
	for p := Purpose(0); p < purposeCount; p++ {
		out = append(out, p)
	}
	return out
}

// ErrLockUnavailable is reported when the cross-process primitive could not
// be created or acquired. The caller keeps running with process-local
// correctness only.
var ErrLockUnavailable = errors.New("cross-process lock unavailable")

// errBusy signals a TryLock that found the lock held elsewhere.
var errBusy = errors.New("lock busy")

// Primitive is a single-owner mutual exclusion object shared between
// processes. Implementations are not reentrant; Manager provides that.
type Primitive interface {
	// Lock blocks until the purpose is owned by this process.
	Lock(p Purpose) error
	// TryLock attempts to take the purpose without blocking.
	TryLock(p Purpose) (bool, error)
	// Unlock releases a purpose previously taken with Lock or TryLock.
	Unlock(p Purpose) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendAuto  = "auto"
	BackendFile  = "file"
	BackendMutex = "mutex"
	BackendNone  = "none"
)

// Open builds the primitive named by backend. The path is the shared lock
// file for the file backend and the seed for mutex object names otherwise.
func Open(backend, path string) (Primitive, error) {
	switch backend {
	case "", BackendAuto:
		if runtime.GOOS == "windows" {
			return newNamedMutex(path)
		}
		return newFileLock(path)
	case BackendFile:
		return newFileLock(path)
	case BackendMutex:
		return newNamedMutex(path)
	case BackendNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

// Options configures a Manager.
type Options struct {
	// Timeout bounds how long Acquire waits for another process. Zero
	// waits forever. On expiry Acquire degrades like any other failure.
	Timeout time.Duration
	// OnWarning receives ErrLockUnavailable-wrapped failures.
	OnWarning func(error)
}

type slot struct {
	// owner is a one-token semaphore held from the 0->1 to the 1->0
	// transition.
	owner chan struct{}

	mu    sync.Mutex
	count int
	held  bool
}

// Manager is the reentrant layer above a Primitive.
type Manager struct {
	prim    Primitive
	timeout time.Duration
	warn    func(error)
	slots   [purposeCount]slot
}

// NewManager wraps prim. A nil primitive behaves like Noop.
func NewManager(prim Primitive, opts Options) *Manager {
	if prim == nil {
		prim = Noop{}
	}
	warn := opts.OnWarning
	if warn == nil {
		warn = func(error) {}
	}
	m := &Manager{prim: prim, timeout: opts.Timeout, warn: warn}
	for i := range m.slots {
		m.slots[i].owner = make(chan struct{}, 1)
	}
	return m
}

// Guard is a held acquisition. Release is idempotent.
type Guard struct {
	m    *Manager
	p    Purpose
	noop bool
	once sync.Once
}

// Acquire re-enters the purpose g holds without waiting. It must be called
// while g is held; the new guard is released independently.
func (g *Guard) Acquire() *Guard {
	if g.noop {
		n := &Guard{m: g.m, p: g.p, noop: true}
		n.once.Do(func() {})
		return n
	}
	s := &g.m.slots[g.p]
	s.mu.Lock()
	if s.count == 0 {
		s.mu.Unlock()
		// g was already released; this is a fresh acquisition.
		return g.m.Acquire(g.p)
	}
	s.count++
	s.mu.Unlock()
	return &Guard{m: g.m, p: g.p}
}

// Release drops this guard's reference.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { g.m.release(g.p) })
}

// Acquire blocks until no other guard for the purpose exists in this
// process and the primitive is taken, and returns a guard. Calling it again
// while holding a guard for the same purpose deadlocks; use Guard.Acquire.
// It never fails: if the primitive is unusable the guard is still returned
// and the failure goes to the warning handler.
func (m *Manager) Acquire(p Purpose) *Guard {
	g := &Guard{m: m, p: p}
	if !p.valid() {
		m.warn(fmt.Errorf("%w: %s", ErrLockUnavailable, p))
		g.noop = true
		g.once.Do(func() {})
		return g
	}
	s := &m.slots[p]
	s.owner <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 1
	if err := m.take(p); err != nil {
		s.held = false
		m.warn(fmt.Errorf("%w: %s: %v", ErrLockUnavailable, p, err))
		return g
	}
	s.held = true
	return g
}

func (m *Manager) take(p Purpose) error {
	if m.timeout <= 0 {
		return m.prim.Lock(p)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = m.timeout
	return backoff.Retry(func() error {
		ok, err := m.prim.TryLock(p)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}, b)
}

func (m *Manager) release(p Purpose) {
	s := &m.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return
	}
	s.count--
	if s.count > 0 {
		return
	}
	if s.held {
		s.held = false
		if err := m.prim.Unlock(p); err != nil {
			m.warn(fmt.Errorf("%w: release %s: %v", ErrLockUnavailable, p, err))
		}
	}
	<-s.owner
}

// Depth reports how many guards for p are active in this process.
func (m *Manager) Depth(p Purpose) int {
	if !p.valid() {
		return 0
	}
	s := &m.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close releases the primitive.
func (m *Manager) Close() error {
	return m.prim.Close()
}

// Noop is a Primitive that never blocks. Correctness is process-local only.
type Noop struct{}

func (Noop) Lock(Purpose) error            { return nil }
func (Noop) TryLock(Purpose) (bool, error) { return true, nil }
func (Noop) Unlock(Purpose) error          { return nil }
func (Noop) Close() error                  { return nil }
