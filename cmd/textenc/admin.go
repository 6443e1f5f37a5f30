package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/cache/pgvector"
)

func newMigrateCmd(reg *config.Registry, loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the pgvector table for the configured encoder namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if b := cfg.Cache.Backend; !cfg.Cache.Enabled || (b != config.CachePgvector && b != config.CacheTiered) {
				return fmt.Errorf("migrate needs cache.backend pgvector or tiered, got %q", cacheLabel(cfg.Cache))
			}
			// New with migration enabled is the migration.
			cfg.Cache.Pgvector.SkipMigrate = false
			rt, err := newRuntime(cmd.Context(), cfg, reg)
			if err != nil {
				return err
			}
			defer rt.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "table %s ready for %s\n",
				pgvector.TableName(cfg.Cache.Pgvector.Collection, rt.ns), rt.ns)
			return nil
		},
	}
}

func newClearCmd(reg *config.Registry, loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached vector of the configured encoder namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Cache.Enabled {
				return fmt.Errorf("cache is disabled; nothing to clear")
			}
			rt, err := newRuntime(cmd.Context(), cfg, reg)
			if err != nil {
				return err
			}
			defer rt.Close()

			c, ok := rt.backend.(cache.Clearer)
			if !ok {
				return fmt.Errorf("cache backend %s cannot be cleared", cfg.Cache.Backend)
			}
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s cache for %s\n", cfg.Cache.Backend, rt.ns)
			return nil
		},
	}
}
