// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package hostkeys

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged means a known_hosts file lists a different key for the
// host.
var ErrHostKeyChanged = errors.New("host key differs from known_hosts")

// KnownHosts answers host key questions from OpenSSH known_hosts files,
// hashed host names and @revoked markers included.
type KnownHosts struct {
	check ssh.HostKeyCallback
}

// LoadKnownHosts reads the given known_hosts files.
func LoadKnownHosts(files ...string) (*KnownHosts, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return &KnownHosts{check: cb}, nil
}

// Lookup reports whether key is listed for label ("host:port"; a bare host
// means port 22). A different key listed for the label returns
// ErrHostKeyChanged.
func (k *KnownHosts) Lookup(label string, key ssh.PublicKey) (bool, error) {
	host, port, err := net.SplitHostPort(label)
	if err != nil {
		host, port = label, "22"
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return false, fmt.Errorf("invalid port in %q", label)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}

	err = k.check(net.JoinHostPort(host, port), &net.TCPAddr{IP: ip, Port: p}, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
		return false, nil
	case errors.As(err, &keyErr):
		return false, fmt.Errorf("%w: %s", ErrHostKeyChanged, label)
	default:
		return false, err
	}
}

// Decider accepts keys listed in the files and declines unknown ones, so
// Cache.Callback(k.Decider()) trusts known_hosts for the session.
func (k *KnownHosts) Decider() Decider {
	return func(label string, key ssh.PublicKey) (bool, error) {
		return k.Lookup(label, key)
	}
}
