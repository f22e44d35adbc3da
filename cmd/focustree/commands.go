// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/focustree/internal/config"
	"github.com/AleutianAI/focustree/internal/snapshot"
	"github.com/AleutianAI/focustree/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalFlags are shared by all subcommands.
type globalFlags struct {
	configPath string
	logLevel   string
	snapDir    string
	inMemory   bool
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}
	root := &cobra.Command{
		Use:   "focustree",
		Short: "Distributed focused octree builder",
		Long: `focustree decomposes a particle set along a Morton curve over a
number of ranks and converges a locally essential octree on each rank.
Converged trees can be stored and inspected afterwards.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "YAML run configuration")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&gf.snapDir, "snapshot-dir", "", "override the snapshot directory")

	root.AddCommand(
		newConvergeCmd(gf),
		newInspectCmd(gf),
		newDeleteCmd(gf),
		newConfigCmd(gf),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "focustree", version)
			},
		},
	)
	return root
}

// loadConfig reads the configuration and applies flag overrides.
func (gf *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if gf.logLevel != "" {
		cfg.Logging.Level = gf.logLevel
	}
	if gf.snapDir != "" {
		cfg.Snapshot.Dir = gf.snapDir
	}
	if gf.inMemory {
		cfg.Snapshot.InMemory = true
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: service,
		JSON:    cfg.Logging.JSON,
	}), nil
}

func openStore(cfg config.Config, logger *logging.Logger) (*snapshot.Store, error) {
	return snapshot.Open(snapshot.Config{
		Dir:      cfg.Snapshot.Dir,
		InMemory: cfg.Snapshot.InMemory,
		Logger:   logger.With("component", "badger").Slog(),
	})
}
