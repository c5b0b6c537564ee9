// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build !windows

package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// fileLock locks one byte per purpose in a shared lock file with POSIX
// record locks. Record locks belong to the process, so a process must keep
// a single fileLock per lock file: closing any descriptor of the file drops
// every lock the process holds on it.
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

func (l *fileLock) fcntl(cmd int, typ int16, p Purpose) error {
	l.mu.Lock()
	f := l.f
	l.mu.Unlock()
	if f == nil {
		return os.ErrClosed
	}
	lk := unix.Flock_t{Type: typ, Whence: 0, Start: int64(p), Len: 1}
	for {
		err := unix.FcntlFlock(f.Fd(), cmd, &lk)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (l *fileLock) Lock(p Purpose) error {
	return l.fcntl(unix.F_SETLKW, unix.F_WRLCK, p)
}

func (l *fileLock) TryLock(p Purpose) (bool, error) {
	err := l.fcntl(unix.F_SETLK, unix.F_WRLCK, p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EACCES):
		return false, nil
	default:
		return false, err
	}
}

func (l *fileLock) Unlock(p Purpose) error {
	return l.fcntl(unix.F_SETLK, unix.F_UNLCK, p)
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
