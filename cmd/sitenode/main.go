// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// sitenode is the operator CLI for a federated analysis site node:
// it serves the HTTP surface and checks manifests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node"
	"github.com/neurofed/sitenode/services/node/catalog"
	"github.com/neurofed/sitenode/services/node/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "sitenode",
		Short: "Federated analysis site node",
		Long: `sitenode runs a privacy-preserving remote-analysis node: it
publishes data catalogs, accepts analysis requests, executes approved
scripts in a sandbox, and gates every result on cohort size before it
leaves the site.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the node and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{
				Level:   parseLevel(cfg.LogLevel),
				LogDir:  cfg.LogDir,
				Service: "node",
			})
			defer log.Close()
			return node.Run(cfg, log)
		},
	}

	manifestCmd = &cobra.Command{
		Use:   "manifest",
		Short: "Manifest utilities",
	}

	manifestCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Parse the manifest and report catalog health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: logging.LevelWarn, Service: "node"})
			defer log.Close()

			reg := catalog.New(cfg.ManifestPath, cfg.Privacy.DefaultMinCohort, log)
			defer reg.Close()
			catalogs, err := reg.List()
			if err != nil {
				return fmt.Errorf("manifest check failed: %w", err)
			}

			fmt.Printf("manifest ok: %d catalog(s)\n", len(catalogs))
			for _, cat := range catalogs {
				fmt.Printf("  %-30s privacy=%-8s k=%-3d files=%d\n",
					cat.ID, cat.PrivacyLevel, cat.MinCohortSize, len(cat.Files))
				for _, file := range cat.Files {
					status := "ok"
					if !file.Exists {
						status = "MISSING"
					}
					fmt.Printf("    %-28s %-7s %s\n", file.Name, file.Type, status)
				}
			}
			return nil
		},
	}
)

func loadConfig() (*config.Config, error) {
	// Load applies defaults, the file, env overrides, and validation.
	return config.Load(configPath)
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to sitenode.yaml (defaults apply when omitted)")
	manifestCmd.AddCommand(manifestCheckCmd)
	rootCmd.AddCommand(serveCmd, manifestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
