package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omarluq/gemini-relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without starting the server.
Checks YAML/TOML syntax, required fields, and key pool settings.`,
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("✗ config validation failed: %s\n", err)
		return err
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("✗ config validation failed: %s\n", err)
		return err
	}

	fmt.Printf("✓ %s is valid (%s)\n", configPath, cfg.String())

	return nil
}
