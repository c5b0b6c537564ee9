// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build windows

package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/windows"
)

// Mutex ownership is tied to the OS thread that waited on it, so every
// purpose gets a worker goroutine pinned to its own thread.
type mutexOp int

const (
	opLock mutexOp = iota
	opTryLock
	opUnlock
)

type mutexReq struct {
	op    mutexOp
	reply chan mutexResult
}

type mutexResult struct {
	ok  bool
	err error
}

type mutexWorker struct {
	reqs chan mutexReq
}

type namedMutex struct {
	workers [purposeCount]*mutexWorker
}

func newNamedMutex(seed string) (Primitive, error) {
	sum := sha256.Sum256([]byte(strings.ToLower(seed)))
	prefix := "Local\\keytrust-" + hex.EncodeToString(sum[:8])
	m := &namedMutex{}
	for p := Purpose(0); p < purposeCount; p++ {
		w, err := startMutexWorker(fmt.Sprintf("%s-%d", prefix, int(p)))
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.workers[p] = w
	}
	return m, nil
}

func startMutexWorker(name string) (*mutexWorker, error) {
	ready := make(chan error, 1)
	w := &mutexWorker{reqs: make(chan mutexReq)}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		namePtr, err := windows.UTF16PtrFromString(name)
		if err != nil {
			ready <- err
			return
		}
		h, err := windows.CreateMutex(nil, false, namePtr)
		if h == 0 {
			ready <- fmt.Errorf("CreateMutex %s: %w", name, err)
			return
		}
		defer windows.CloseHandle(h)
		ready <- nil
		owned := false
		for req := range w.reqs {
			switch req.op {
			case opLock, opTryLock:
				timeout := uint32(windows.INFINITE)
				if req.op == opTryLock {
					timeout = 0
				}
				ev, err := windows.WaitForSingleObject(h, timeout)
				switch {
				case err != nil:
					req.reply <- mutexResult{err: err}
				case ev == windows.WAIT_OBJECT_0 || ev == windows.WAIT_ABANDONED:
					owned = true
					req.reply <- mutexResult{ok: true}
				case ev == uint32(windows.WAIT_TIMEOUT):
					req.reply <- mutexResult{}
				default:
					req.reply <- mutexResult{err: fmt.Errorf("unexpected wait result %#x", ev)}
				}
			case opUnlock:
				if !owned {
					req.reply <- mutexResult{err: errors.New("mutex not owned")}
					continue
				}
				owned = false
				req.reply <- mutexResult{err: windows.ReleaseMutex(h)}
			}
		}
		if owned {
			_ = windows.ReleaseMutex(h)
		}
	}()
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *mutexWorker) do(op mutexOp) mutexResult {
	reply := make(chan mutexResult, 1)
	w.reqs <- mutexReq{op: op, reply: reply}
	return <-reply
}

func (m *namedMutex) worker(p Purpose) (*mutexWorker, error) {
	if !p.valid() || m.workers[p] == nil {
		return nil, fmt.Errorf("no mutex for %s", p)
	}
	return m.workers[p], nil
}

func (m *namedMutex) Lock(p Purpose) error {
	w, err := m.worker(p)
	if err != nil {
		return err
	}
	return w.do(opLock).err
}

func (m *namedMutex) TryLock(p Purpose) (bool, error) {
	w, err := m.worker(p)
	if err != nil {
		return false, err
	}
	r := w.do(opTryLock)
	return r.ok, r.err
}

func (m *namedMutex) Unlock(p Purpose) error {
	w, err := m.worker(p)
	if err != nil {
		return err
	}
	return w.do(opUnlock).err
}

func (m *namedMutex) Close() error {
	for i, w := range m.workers {
		if w != nil {
			close(w.reqs)
			m.workers[i] = nil
		}
	}
	return nil
}
