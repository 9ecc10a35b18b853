package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRealizeCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "realize <package>",
		Short: "Check a package out under packages/ and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			h, err := r.ResolvePackage(args[0])
			if err != nil {
				return err
			}
			path, err := r.Checkout.Realize(h)
			if err != nil {
				return err
			}
			if verify {
				if err := r.Checkout.Verify(h); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "compare the checkout against the stored tree")
	return cmd
}
