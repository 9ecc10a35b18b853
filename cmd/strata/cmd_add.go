package main

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/spf13/cobra"
)

func newAddCmd() *cobra.Command {
	var name string
	var platform string
	var refs []string
	var pin string

	cmd := &cobra.Command{
		Use:   "add <dir>",
		Short: "Store a directory as a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("add: --name is required")
			}
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			refHashes := make([]object.Hash, 0, len(refs))
			for _, ref := range refs {
				h, err := r.ResolvePackage(ref)
				if err != nil {
					return fmt.Errorf("add: reference %q: %w", ref, err)
				}
				refHashes = append(refHashes, h)
			}

			h, err := r.AddPackage(args[0], name, platform, refHashes)
			if err != nil {
				return err
			}
			if pin != "" {
				if err := r.Pin(pin, h); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&platform, "platform", "", "package platform (default: host)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "runtime dependency package (hash, prefix or pin); repeatable")
	cmd.Flags().StringVar(&pin, "pin", "", "pin the new package under this name")
	return cmd
}
