package main

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	var checkouts bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every stored object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := r.Store.Verify()
			if err != nil {
				return err
			}

			realized := 0
			if checkouts {
				found, _, err := r.Checkout.Scan()
				if err != nil {
					return err
				}
				for _, p := range found {
					if err := r.Checkout.Verify(p.Hash); err != nil {
						return err
					}
				}
				realized = len(found)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ok: verified %d object(s)", report.Objects)
			for _, k := range object.Kinds {
				if n := report.ByKind[k]; n > 0 {
					fmt.Fprintf(out, ", %d %s", n, k)
				}
			}
			if checkouts {
				fmt.Fprintf(out, "; %d package checkout(s)", realized)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkouts, "checkouts", false, "also compare every realized package against its tree")
	return cmd
}
