// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package hostkeys

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

var errKeyRetrieved = errors.New("host key retrieved")

// Probe starts an SSH handshake with addr only to read the server's host key.
// A missing port defaults to 22. No authentication is attempted.
func Probe(ctx context.Context, addr string, timeout time.Duration) (ssh.PublicKey, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	keys := make(chan ssh.PublicKey, 1)
	cfg := &ssh.ClientConfig{
		User: "keytrust-probe",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			keys <- key
			return errKeyRetrieved
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	select {
	case key := <-keys:
		return key, nil
	default:
	}
	if err == nil {
		return nil, fmt.Errorf("handshake with %s completed without a host key", addr)
	}
	return nil, fmt.Errorf("failed to read host key from %s: %w", addr, err)
}
