package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGcCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove objects no mapping or pin can reach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			summary, err := r.GC(dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if summary.Removed == 0 && summary.PrunedPackages == 0 && summary.Placeholders == 0 {
				fmt.Fprintf(out, "nothing to collect (%d live object(s))\n", summary.Live)
				return nil
			}
			verb := "removed"
			if summary.DryRun {
				verb = "would remove"
			}
			fmt.Fprintf(
				out,
				"%s %d of %d object(s) (%d bytes), %d package checkout(s), %d placeholder(s)\n",
				verb,
				summary.Removed,
				summary.Scanned,
				summary.Bytes,
				summary.PrunedPackages,
				summary.Placeholders,
			)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report what would be removed without removing it")
	return cmd
}
