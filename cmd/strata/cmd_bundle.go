package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/odvcencio/strata/pkg/bundle"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var output string
	var compression string

	cmd := &cobra.Command{
		Use:   "export <object>...",
		Short: "Write the closure of objects to a bundle file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := bundle.ParseCompression(compression)
			if err != nil {
				return err
			}

			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			roots := make([]object.Ref, 0, len(args))
			for _, arg := range args {
				ref, err := r.ResolveObject(arg, "")
				if err != nil {
					return err
				}
				roots = append(roots, ref)
			}

			if output == "" || output == "-" {
				_, err := bundle.Export(cmd.OutOrStdout(), r.Store, roots, c, r.Log)
				return err
			}

			f, err := renameio.TempFile("", output)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer f.Cleanup()
			summary, err := bundle.Export(f, r.Store, roots, c, r.Log)
			if err != nil {
				return err
			}
			if err := f.CloseAtomicallyReplace(); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d object(s) (%d bytes, %s) to %s\n", summary.Objects, summary.Bytes, c, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "bundle file (default: stdout)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "stream compression: zstd, lz4 or none")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Verify and store every object of a bundle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("import: %w", err)
				}
				defer f.Close()
				in = f
			}

			summary, err := bundle.Import(in, r.Store, r.Log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d object(s), %d new\n", summary.Objects, summary.Written)
			for _, root := range summary.Roots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", root.Kind, root.Hash)
			}
			return nil
		},
	}
}
