// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build !windows

package lock

import "errors"

func newNamedMutex(string) (Primitive, error) {
	return nil, errors.New("named mutex backend is only available on windows")
}
