// Package commands implements the coapstackctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgenet6/coapstack/internal/config"
)

var (
	// configPath points at the declarative session config file get/post
	// load their session definitions from.
	configPath string

	// sessionName selects which config.Sessions entry get/post operate
	// on.
	sessionName string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for coapstackctl.
var rootCmd = &cobra.Command{
	Use:   "coapstackctl",
	Short: "Drive a CoAP/UDP/IPv6 stack directly",
	Long:  "coapstackctl builds a CoAP/UDP/IPv6/Ethernet stack from a declarative session config and runs exchanges against it, without a running coapstackd daemon.",

	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a session configuration file (YAML); empty uses built-in defaults")
	rootCmd.PersistentFlags().StringVar(&sessionName, "session", "",
		"name of the configured session to operate on (required by get/post)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(selftestCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configPath, or returns built-in defaults when unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// findSession looks up sessionName in cfg.Sessions.
func findSession(cfg *config.Config, name string) (config.SessionConfig, error) {
	for _, sc := range cfg.Sessions {
		if sc.Name == name {
			return sc, nil
		}
	}
	return config.SessionConfig{}, fmt.Errorf("no session named %q in configuration", name)
}
