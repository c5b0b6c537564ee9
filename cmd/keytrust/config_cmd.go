// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Inspect or create the keytrust configuration",
		Annotations: map[string]string{skipServices: "true"},
	}

	var system bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the effective configuration to the user or system config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := configPathFromCli(cmd)
			if err != nil {
				return err
			}
			c, err := config.LoadConfig[config.Config](cmd, config.Defaults(), configPath)
			if err != nil {
				return err
			}
			path, err := config.WriteConfigFile(&c, system)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&system, "system", false, "write the system-wide file instead of the user file")

	pathCmd := &cobra.Command{
		Use:         "path",
		Short:       "Print where keytrust looks for its configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, system := range []bool{false, true} {
				p, err := config.GetConfigPath(system)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "./keytrust.yaml")
			return nil
		},
	}

	cmd.AddCommand(initCmd, pathCmd)
	return cmd
}
