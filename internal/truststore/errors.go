// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import "errors"

var (
	// ErrStoreUnreadable means the shared file could not be read or parsed.
	// The durable collection is treated as empty for the operation.
	ErrStoreUnreadable = errors.New("trust store unreadable")
	// ErrStoreUnwritable means a save failed. The in-memory decision is kept
	// for the rest of the process lifetime but will not survive a restart.
	ErrStoreUnwritable = errors.New("trust store unwritable")
	// ErrInvalidEndpoint rejects an empty host or a port outside 1-65535.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrInvalidCertificate rejects empty or undecodable certificate data.
	ErrInvalidCertificate = errors.New("invalid certificate")
)
