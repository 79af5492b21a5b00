// Command offline-worker runs the offline caching layer in front of an
// application origin.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "offline-worker",
		Short: "Offline caching layer for a web application.",
		Long: `offline-worker sits in front of a web application origin and keeps it
usable offline: it pre-caches the static asset manifest on deploy, serves API
calls network-first and everything else cache-first, and falls back to an
offline page for navigations it cannot resolve.

Configuration is read from a YAML file and OFFLINE_WORKER_* environment
variables.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("OFFLINE_WORKER_CONFIG"), "path to offline-worker.yaml")

	load := func() (config.Config, error) {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		logging.Setup(logging.Config{
			Level:  logging.LogLevel(cfg.Logging.Level),
			Pretty: cfg.Logging.Pretty,
			Output: os.Stderr,
		})
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newGenerationsCmd(load),
		newPurgeCmd(load),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "offline-worker %s\n", version)
		},
	}
}
