// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Command keytrust inspects and edits the certificate trust store shared by
// every process of the application: it lists, checks, trusts, flags and
// forgets endpoints, and backs the store up.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}
