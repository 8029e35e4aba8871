// Package main is the entry point for gemini-relay.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// defaultConfigFile is the config filename searched for in the
// current directory and in the user config directory.
const defaultConfigFile = "config.yaml"

// cfgFile is the config path set via --config; empty means "search
// default locations".
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gemini-relay",
	Short: "A load-balancing proxy for the Gemini API",
	Long: `gemini-relay pools a set of Gemini API credentials, verifies them in the
background, and rotates through the valid set so that quota limits and
transient failures on any one credential don't surface to callers.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
}

// findConfigFile searches for the config file in default locations.
// Priority:
//  1. Current directory (./config.yaml)
//  2. User config directory (~/.config/gemini-relay/config.yaml)
func findConfigFile() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "gemini-relay", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return defaultConfigFile // Default, will error if not found
}

// resolveConfigPath returns cfgFile if set, otherwise the result of
// searching default locations.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return findConfigFile()
}
