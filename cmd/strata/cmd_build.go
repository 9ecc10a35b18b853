package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/strata/pkg/build"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	var force bool
	var pin string

	cmd := &cobra.Command{
		Use:   "build <builder>",
		Short: "Build a builder and record the result",
		Long: "Build a builder and record the result under the local mapping source.\n" +
			"If a configured source already maps the builder to a result, that package\n" +
			"is realized instead unless --force is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ref, err := r.ResolveObject(args[0], object.KindBuilder)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := r.Executor.Execute(ctx, ref.Hash, build.Options{
				Force:  force,
				Stdout: cmd.ErrOrStderr(),
				Stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			if pin != "" {
				if err := r.Pin(pin, res.Package); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if res.Reused {
				fmt.Fprintf(out, "reused %s\n", res.Package)
			} else {
				fmt.Fprintf(out, "built %s in %s\n", res.Package, res.Duration.Round(time.Millisecond))
			}
			fmt.Fprintln(out, res.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "build even if a result is already recorded")
	cmd.Flags().StringVar(&pin, "pin", "", "pin the result under this name")
	return cmd
}
