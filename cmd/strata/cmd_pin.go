package main

import (
	"fmt"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/repo"
	"github.com/spf13/cobra"
)

func newPinCmd() *cobra.Command {
	var expect string

	cmd := &cobra.Command{
		Use:   "pin <name> <package>",
		Short: "Keep a package alive through gc under a name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			h, err := r.ResolvePackage(args[1])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("expect") {
				var old object.Hash
				if expect != "" {
					if old, err = r.ResolvePackage(expect); err != nil {
						return fmt.Errorf("--expect: %w", err)
					}
				}
				return r.Pin(args[0], h, old)
			}
			return r.Pin(args[0], h)
		},
	}

	cmd.Flags().StringVar(&expect, "expect", "", "only update if the pin currently names this package (empty: pin must not exist)")
	return cmd
}

func newUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <name>",
		Short: "Remove a pin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Unpin(args[0])
		},
	}
}

func newPinsCmd() *cobra.Command {
	var showHash bool

	cmd := &cobra.Command{
		Use:   "pins",
		Short: "List pins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			pins, err := r.ListPins()
			if err != nil {
				return err
			}
			for _, name := range repo.PinNames(pins) {
				if showHash {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", pins[name], name)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showHash, "show-hash", false, "show pinned package hashes")
	return cmd
}
