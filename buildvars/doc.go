// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time.
package buildvars
