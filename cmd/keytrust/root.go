// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keytrust/internal/config"
	"github.com/toeirei/keytrust/internal/journal"
	"github.com/toeirei/keytrust/internal/lock"
	"github.com/toeirei/keytrust/internal/logging"
	"github.com/toeirei/keytrust/internal/metrics"
	"github.com/toeirei/keytrust/internal/truststore"
)

// skipServices marks commands that must run without opening the store.
const skipServices = "keytrust/skip-services"

// app holds the services built from configuration for one command run.
type app struct {
	cfg     config.Config
	locks   *lock.Manager
	store   *truststore.Store
	journal *journal.Journal
	metrics *metrics.Collector

	metricsFile string
}

func (a *app) warn(err error) {
	logging.Warning(err)
	if a.metrics != nil {
		a.metrics.Warning(err)
	}
}

// setup loads configuration and opens the lock, store and journal.
func (a *app) setup(cmd *cobra.Command) error {
	configPath, err := configPathFromCli(cmd)
	if err != nil {
		return err
	}
	a.cfg, err = config.LoadConfig[config.Config](cmd, config.Defaults(), configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := logging.SetLevel(a.cfg.Log.Level); err != nil {
		logging.Warnf("%v", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		_ = logging.SetLevel("debug")
	}
	if a.cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}

	a.metrics = metrics.New()

	prim, err := lock.Open(a.cfg.Lock.Backend, a.cfg.LockPath())
	if err != nil {
		// Keep going with process-local locking only.
		a.warn(fmt.Errorf("%w: %v", lock.ErrLockUnavailable, err))
		prim = lock.Noop{}
	}
	a.locks = lock.NewManager(prim, lock.Options{Timeout: a.cfg.Lock.Timeout, OnWarning: a.warn})

	opts := truststore.Options{
		Backend:   truststore.NewFileBackend(a.cfg.Store.Path),
		Locks:     a.locks,
		Purpose:   lock.TrustedCertificates,
		OnWarning: a.warn,
		Observer:  a.metrics,
	}
	if a.cfg.Journal.Enabled {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		j, err := journal.Open(ctx, a.cfg.Journal.Type, a.cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("could not open journal: %w", err)
		}
		a.journal = j
		opts.Journal = j
	}
	a.store = truststore.New(opts)
	logging.Debugf("store %s, lock %s (%s)", a.cfg.Store.Path, a.cfg.LockPath(), a.cfg.Lock.Backend)
	return nil
}

// close releases everything setup opened. It is safe to call more than once.
func (a *app) close() error {
	var errs []error
	if a.metricsFile != "" && a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	if a.locks != nil {
		errs = append(errs, a.locks.Close())
		a.locks = nil
	}
	return errors.Join(errs...)
}

func configPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates and configures a new root cobra command.
// Every call returns an independent tree, which keeps tests isolated.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "keytrust",
		Short: "Keytrust manages trusted certificates and insecure-host decisions.",
		Long: `Keytrust edits the trust store the application consults before it accepts a
TLS certificate that failed normal verification, or falls back to an insecure
connection. The store is a YAML file shared with other settings and guarded
by a cross-process lock, so it is safe to use while the application runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipServices] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	v, c, d := resolveBuildVersion(nil)
	cmd.Version = formatVersion(v, c, d)

	f := cmd.PersistentFlags()
	f.String("config", "", "config file (default is keytrust.yaml in the user or system config dir)")
	f.String("store-path", "", "shared settings file holding the trust store")
	f.String("lock-path", "", "lock file (default <store-path>.lock)")
	f.String("lock-backend", "", `cross-process lock backend ("auto", "file", "mutex", "none")`)
	f.Duration("lock-timeout", 0, "give up waiting for the lock after this long (0 waits forever)")
	f.Bool("journal-enabled", false, "record decisions in the journal database")
	f.String("journal-type", "", `journal database type ("sqlite", "postgres", "mysql")`)
	f.String("journal-dsn", "", "journal database connection string")
	f.String("log-level", "", `log level ("debug", "info", "warn", "error")`)
	f.BoolP("verbose", "v", false, "enable debug logging")
	f.StringVar(&a.metricsFile, "metrics-textfile", "", "write Prometheus counters to this file on exit")

	cmd.AddCommand(
		newListCmd(a),
		newCheckCmd(a),
		newTrustCmd(a),
		newInsecureCmd(a),
		newForgetCmd(a),
		newFingerprintCmd(),
		newBackupCmd(a),
		newRestoreCmd(a),
		newJournalCmd(a),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI entrypoint.
func Execute() error {
	return NewRootCmd().Execute()
}
