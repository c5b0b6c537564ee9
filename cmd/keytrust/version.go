// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/buildvars"
)

const modulePath = "github.com/toeirei/keytrust"

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If `info` is nil, it reads build info from
// the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault("dev")
	resolvedCommit := buildvars.Commit
	resolvedDate := buildvars.Date

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info == nil {
		return resolvedVersion, resolvedCommit, resolvedDate
	}

	if resolvedVersion == "dev" {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		for _, dep := range info.Deps {
			if resolvedVersion != "dev" {
				break
			}
			if dep.Path == modulePath && dep.Version != "" {
				resolvedVersion = dep.Version
			}
		}
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if resolvedCommit == "" && s.Value != "" {
				resolvedCommit = s.Value
			}
		case "vcs.time":
			if resolvedDate == "" && s.Value != "" {
				resolvedDate = s.Value
			}
		}
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}

func formatVersion(v, commit, date string) string {
	out := v
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		out += " (" + commit + ")"
	}
	if date != "" {
		out += " built: " + date
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the keytrust version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipServices: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), formatVersion(resolveBuildVersion(nil)))
		},
	}
}
