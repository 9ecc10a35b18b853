package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/strata/pkg/repo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

// rootEnv names the store root when --root is not given.
const rootEnv = "STRATA_ROOT"

type globalFlags struct {
	root      string
	config    string
	logLevel  string
	logFormat string
}

var globals globalFlags

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strata",
		Short:         "Content-addressed package store with relocatable builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&globals.root, "root", "", "store root (default: $"+rootEnv+" or the current directory)")
	root.PersistentFlags().StringVar(&globals.config, "config", "", "configuration file (default: <root>/strata.toml)")
	root.PersistentFlags().StringVar(&globals.logLevel, "log-level", "", "log level: panic, fatal, error, warn, info, debug or trace")
	root.PersistentFlags().StringVar(&globals.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newLsCmd())
	root.AddCommand(newRealizeCmd())
	root.AddCommand(newBuilderCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newMappingCmd())
	root.AddCommand(newPinCmd())
	root.AddCommand(newUnpinCmd())
	root.AddCommand(newPinsCmd())
	root.AddCommand(newGcCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "strata %s\n", version)
		},
	}
}

// storeRoot returns --root, then $STRATA_ROOT, then the working directory.
func storeRoot() string {
	if r := strings.TrimSpace(globals.root); r != "" {
		return r
	}
	if r := strings.TrimSpace(os.Getenv(rootEnv)); r != "" {
		return r
	}
	return "."
}

// openRepo opens the store selected by the global flags. Log output goes to
// the command's error stream; --log-level and --log-format override the
// configuration's log section.
func openRepo(cmd *cobra.Command) (*repo.Repo, error) {
	r, err := repo.Open(storeRoot(), repo.Options{ConfigPath: globals.config})
	if err != nil {
		return nil, err
	}
	if l, ok := r.Log.(*logrus.Logger); ok {
		if err := applyLogFlags(l); err != nil {
			r.Close()
			return nil, err
		}
		l.SetOutput(cmd.ErrOrStderr())
	}
	return r, nil
}

func applyLogFlags(l *logrus.Logger) error {
	if globals.logLevel != "" {
		lvl, err := logrus.ParseLevel(globals.logLevel)
		if err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		l.SetLevel(lvl)
	}
	switch globals.logFormat {
	case "":
	case "text":
		l.SetFormatter(&logrus.TextFormatter{})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("--log-format must be \"text\" or \"json\", got %q", globals.logFormat)
	}
	return nil
}
