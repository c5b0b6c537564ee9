// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package buildvars

// Version is set at link time via `-ldflags -X github.com/toeirei/keytrust/buildvars.Version=...`.
// It will be empty for local or development builds.
var Version string

// Commit and Date are set the same way; empty values fall back to the VCS
// stamp embedded by the Go toolchain.
var (
	Commit string
	Date   string
)

// VersionOrDefault returns `Version` if set, otherwise returns the provided default.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}
