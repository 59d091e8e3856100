package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/labbox/internal/config"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().StringVar(&initOutput, "output", config.DefaultConfigPath(), "output config file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}

func runInit(_ *cobra.Command, _ []string) error {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
	}

	cfg := config.Default()
	cfg.Observability = &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Health:  &config.HealthConfig{IncludeStorage: true, IncludeSandbox: true},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(initOutput)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(initOutput, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Config written to %s\n", initOutput)
	fmt.Printf("Start the server with: labbox serve --config %s\n", initOutput)
	return nil
}
