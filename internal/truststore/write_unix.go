// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build !windows

package truststore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// writeFileAtomic replaces path through a temporary file and a rename. An
// existing file keeps its permission bits; a new one is created 0600.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := renameio.WriteFile(path, data, 0o600, renameio.WithExistingPermissions()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
