package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/spf13/cobra"
)

const schemaVersion = "1"

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Ensure the data directory layout exists for the Strategy Store and Memory Sink",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		if _, statErr := os.Stat(flagConfigPath); !os.IsNotExist(statErr) {
			return newUsageError("loading config: %w", err)
		}
		cfg = config.Default()
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	for _, sub := range []string{"strategies", "memorysink"} {
		dir := filepath.Join(cfg.DataDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	versionFile := filepath.Join(cfg.DataDir, "SCHEMA_VERSION")
	existing, err := os.ReadFile(versionFile)
	if err == nil && string(existing) != schemaVersion {
		return fmt.Errorf("data directory %s was initialized with schema version %q, this binary expects %q", cfg.DataDir, existing, schemaVersion)
	}
	if err := os.WriteFile(versionFile, []byte(schemaVersion), 0o644); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}

	if flagConfigPath != "" {
		if err := config.WriteSample(flagConfigPath); err != nil {
			fmt.Printf("config file not written: %v\n", err)
		} else {
			fmt.Printf("wrote sample config to %s\n", flagConfigPath)
		}
	}

	fmt.Printf("data directory %s ready (schema %s)\n", cfg.DataDir, schemaVersion)
	return nil
}
