package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/strata/pkg/config"
	"github.com/odvcencio/strata/pkg/repo"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := storeRoot()
			if len(args) > 0 {
				path = args[0]
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			cfg := config.Default(abs)
			if backend != "" {
				cfg.Mappings.Backend = backend
			}
			r, err := repo.Init(abs, cfg, repo.Options{})
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty store in %s\n", r.Root+string(filepath.Separator))
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "mappings-backend", "", "mapping index backend: symlink or sqlite")
	return cmd
}
