package main

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newCatCmd() *cobra.Command {
	var kindName string

	cmd := &cobra.Command{
		Use:   "cat <object>",
		Short: "Print a stored object",
		Long: "Print a stored object. Blobs are written raw; trees, packages, builders and\n" +
			"mappings are decoded and printed as YAML.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind object.Kind
			if kindName != "" {
				k, err := object.ParseKind(kindName)
				if err != nil {
					return err
				}
				kind = k
			}

			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ref, err := r.ResolveObject(args[0], kind)
			if err != nil {
				return err
			}

			var v any
			switch ref.Kind {
			case object.KindBlob:
				b, err := r.Store.ReadBlob(ref.Hash)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b.Data)
				return err
			case object.KindTree:
				v, err = r.Store.ReadTree(ref.Hash)
			case object.KindPackage:
				v, err = r.Store.ReadPackage(ref.Hash)
			case object.KindBuilder:
				v, err = r.Store.ReadBuilder(ref.Hash)
			case object.KindMapping:
				v, err = r.Store.ReadMapping(ref.Hash)
			default:
				return fmt.Errorf("cat: unsupported kind %q", ref.Kind)
			}
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(v); err != nil {
				return fmt.Errorf("cat: encode: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVar(&kindName, "kind", "", "object kind: blob, tree, pkg, bld or map (default: any)")
	return cmd
}
