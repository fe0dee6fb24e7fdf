// Package main is the pipechat command: it runs the broker and a terminal client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/pipechat/internal/config"
)

var (
	configFile  string
	socketPath  string
	networkFlag string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pipechat",
	Short: "Local chat broker over unix sockets",
	Long: `pipechat relays short text messages between clients connected to a
local socket. Each client declares a user name when it connects, receives
everything other users send, and gets its own earlier messages replayed when
it reconnects.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Socket path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&networkFlag, "network", "", "Socket type: unix or unixpacket (overrides config)")
}

// loadConfig layers defaults, the config file, PIPECHAT_* variables and
// command line flags, in that order.
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if socketPath != "" {
		cfg.Socket.Path = socketPath
	}
	if networkFlag != "" {
		cfg.Socket.Network = networkFlag
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
