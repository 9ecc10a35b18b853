package main

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/tree"
	"github.com/spf13/cobra"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <package|tree>",
		Short: "List every file of a package or tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ref, err := r.ResolveObject(args[0], "")
			if err != nil {
				return err
			}
			treeHash := ref.Hash
			switch ref.Kind {
			case object.KindTree:
			case object.KindPackage:
				pkg, err := r.Store.ReadPackage(ref.Hash)
				if err != nil {
					return err
				}
				treeHash = pkg.Tree
			default:
				return fmt.Errorf("ls: %s is a %s, not a package or tree", ref.Hash.Short(), ref.Kind)
			}

			leaves, err := tree.Flatten(r.Store, treeHash)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range leaves {
				fmt.Fprintf(out, "%-4s %s %s\n", l.Kind, l.Hash, l.Path)
			}
			return nil
		},
	}
}
