// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build windows

package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/windows"
)

// fileLock locks one byte per purpose in a shared lock file with LockFileEx.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func newFileLock(path string) (Primitive, error) {
	if path == "" {
		return nil, errors.New("lock file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open lock file %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) handle() (windows.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, os.ErrClosed
	}
	return windows.Handle(l.f.Fd()), nil
}

func (l *fileLock) lockEx(p Purpose, flags uint32) error {
	h, err := l.handle()
	if err != nil {
		return err
	}
	ol := &windows.Overlapped{Offset: uint32(p)}
	for {
		err := windows.LockFileEx(h, flags|windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
		if errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
			continue
		}
		return err
	}
}

func (l *fileLock) Lock(p Purpose) error {
	return l.lockEx(p, 0)
}

func (l *fileLock) TryLock(p Purpose) (bool, error) {
	err := l.lockEx(p, windows.LOCKFILE_FAIL_IMMEDIATELY)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return false, nil
	default:
		return false, err
	}
}

func (l *fileLock) Unlock(p Purpose) error {
	h, err := l.handle()
	if err != nil {
		return err
	}
	return windows.UnlockFileEx(h, 0, 1, 0, &windows.Overlapped{Offset: uint32(p)})
}

func (l *fileLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
