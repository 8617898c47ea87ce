package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomicobject/vaultd/internal/vaultlog"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:     "vaultd",
	Short:   "vaultd - headless note vault server (HTTP/WebSocket)",
	Version: "v0.1.0",
	Long:    "vaultd - hosts local note vaults behind an HTTP/WebSocket API: files, full-text search, and live change events.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return vaultlog.SetLevel(logLevel)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}
