package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - offline-first sync engine",
	Long: `Pulse keeps a local cache and a durable queue of changes for the remote API,
syncs them when the network is reachable, and manages connections to external
data sources.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pulse version %s\n", Version)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var (
	apiAddr    string
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "Daemon API address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.pulse/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(actionCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
