package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/offline-worker/pkg/worker"
)

func newGenerationsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List the cache generations in the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := worker.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.Keys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list generations: %w", err)
			}
			for _, name := range names {
				marker := ""
				if name == cfg.Cache.Name {
					marker = " (current)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", name, marker)
			}
			return nil
		},
	}
}

func newPurgeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <generation>",
		Short: "Delete one cache generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := worker.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("purge %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}
