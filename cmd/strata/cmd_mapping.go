package main

import (
	"fmt"
	"time"

	"github.com/odvcencio/strata/pkg/mapping"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/repo"
	"github.com/spf13/cobra"
)

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect and maintain the builder to result index",
	}
	cmd.AddCommand(newMappingRecordCmd())
	cmd.AddCommand(newMappingLookupCmd())
	cmd.AddCommand(newMappingSourcesCmd())
	cmd.AddCommand(newMappingCheckCmd())
	cmd.AddCommand(newMappingRepairCmd())
	cmd.AddCommand(newMappingForgetCmd())
	return cmd
}

func newMappingRecordCmd() *cobra.Command {
	var source string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "record <builder> <package>",
		Short: "Record that a builder produced a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			builder, err := r.ResolveObject(args[0], object.KindBuilder)
			if err != nil {
				return err
			}
			result, err := r.ResolvePackage(args[1])
			if err != nil {
				return err
			}
			if source == "" {
				source = r.LocalSource()
			}
			mh, err := r.Index.Record(source, r.Index.NewMapping(builder.Hash, result, duration))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mh)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "mapping source (default: the local source)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "build duration to record")
	return cmd
}

func newMappingLookupCmd() *cobra.Command {
	var source string
	var byResult bool

	cmd := &cobra.Command{
		Use:   "lookup <builder|package>",
		Short: "List the mappings recorded for a builder or result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			kind := object.KindBuilder
			if byResult {
				kind = object.KindPackage
			}
			ref, err := r.ResolveObject(args[0], kind)
			if err != nil {
				return err
			}
			sources, err := selectSources(r, source)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			found := 0
			for _, s := range sources {
				var hashes []object.Hash
				if byResult {
					hashes, err = r.Index.LookupByResult(s, ref.Hash)
				} else {
					hashes, err = r.Index.LookupByBuilder(s, ref.Hash)
				}
				if err != nil {
					return err
				}
				for _, mh := range hashes {
					m, err := r.Store.ReadMapping(mh)
					if err != nil {
						return err
					}
					found++
					fmt.Fprintf(out, "%s %s %s -> %s %s\n", s, mh.Short(), m.Builder.Short(), m.Result.Short(),
						time.Unix(m.Metadata.Timestamp, 0).UTC().Format(time.RFC3339))
				}
			}
			if found == 0 {
				return &object.Error{Kind: object.ErrNotFound, Op: "mapping lookup", Hash: ref.Hash, Msg: "no mappings recorded"}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only look in this source")
	cmd.Flags().BoolVar(&byResult, "by-result", false, "treat the argument as a result package")
	return cmd
}

func newMappingSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the sources with recorded mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			sources, err := r.Index.Sources()
			if err != nil {
				return err
			}
			for _, s := range sources {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func newMappingCheckCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report inconsistencies in the mapping index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			sources, err := selectSources(r, source)
			if err != nil {
				return err
			}
			total := 0
			for _, s := range sources {
				problems, err := r.Index.Check(s)
				if err != nil {
					return err
				}
				for _, p := range problems {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				total += len(problems)
			}
			if total > 0 {
				return fmt.Errorf("mapping index has %d problem(s); run \"strata mapping repair\"", total)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: checked %d source(s)\n", len(sources))
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only check this source")
	return cmd
}

func newMappingRepairCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Fix the inconsistencies check reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			sources, err := selectSources(r, source)
			if err != nil {
				return err
			}
			total := 0
			for _, s := range sources {
				fixed, err := r.Index.Repair(s)
				if err != nil {
					return err
				}
				for _, p := range fixed {
					fmt.Fprintf(cmd.OutOrStdout(), "repaired %s\n", p)
				}
				total += len(fixed)
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to repair")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only repair this source")
	return cmd
}

func newMappingForgetCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "forget <mapping>",
		Short: "Remove a mapping from a source's index",
		Long: "Remove both index links of a mapping. The mapping object itself stays\n" +
			"until gc runs.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ref, err := r.ResolveObject(args[0], object.KindMapping)
			if err != nil {
				return err
			}
			if source == "" {
				source = r.LocalSource()
			}
			return r.Index.Forget(source, ref.Hash)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "mapping source (default: the local source)")
	return cmd
}

// selectSources returns source alone when set, else every known source.
func selectSources(r *repo.Repo, source string) ([]string, error) {
	if source != "" {
		if err := mapping.ValidateSource(source); err != nil {
			return nil, err
		}
		return []string{source}, nil
	}
	return r.Index.Sources()
}
