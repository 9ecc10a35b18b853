package main

import (
	"fmt"
	"path/filepath"

	"github.com/odvcencio/strata/pkg/repo"
	"github.com/spf13/cobra"
)

func newBuilderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builder",
		Short: "Manage build recipes",
	}
	cmd.AddCommand(newBuilderAddCmd())
	return cmd
}

func newBuilderAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <manifest.yaml>",
		Short: "Store a builder and its sources from a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := repo.LoadManifest(args[0])
			if err != nil {
				return err
			}
			baseDir, err := filepath.Abs(filepath.Dir(args[0]))
			if err != nil {
				return fmt.Errorf("resolve manifest dir: %w", err)
			}

			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			h, err := r.AddBuilder(m, baseDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
