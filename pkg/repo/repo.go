// Package repo opens a strata store root and wires every component from its
// configuration.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/odvcencio/strata/pkg/build"
	"github.com/odvcencio/strata/pkg/checkout"
	"github.com/odvcencio/strata/pkg/clock"
	"github.com/odvcencio/strata/pkg/config"
	"github.com/odvcencio/strata/pkg/gc"
	"github.com/odvcencio/strata/pkg/mapping"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/tree"
	"github.com/sirupsen/logrus"
)

// Repo is an opened store root.
type Repo struct {
	Root     string
	Config   *config.Config
	Store    *object.Store
	Trees    *tree.Builder
	Checkout *checkout.Engine
	Index    *mapping.Index
	Resolver *mapping.Resolver
	Executor *build.Executor
	GCer     *gc.Collector
	Log      logrus.FieldLogger
}

// Options override what Open would otherwise derive from the root.
type Options struct {
	ConfigPath string // empty means <root>/strata.toml
	Logger     logrus.FieldLogger
	Clock      clock.Clock
	Sandbox    build.Sandbox
}

// ConfigPath returns where the configuration of the store at root lives.
func ConfigPath(root string) string {
	return filepath.Join(root, config.FileName)
}

// Open loads the configuration of the store at root and wires the
// components. The store must have been created by Init.
func Open(root string, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = ConfigPath(abs)
		if _, err := os.Stat(cfgPath); err != nil {
			return nil, fmt.Errorf("open: not a strata store: %s", abs)
		}
	}
	cfg, err := config.Load(cfgPath, abs)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return openWithConfig(abs, cfg, opts)
}

func openWithConfig(root string, cfg *config.Config, opts Options) (*Repo, error) {
	log := opts.Logger
	if log == nil {
		log = cfg.Logger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	store := object.NewStore(cfg.ObjectsDir(),
		object.WithVerifyReads(cfg.Objects.VerifyReads),
		object.WithLogger(log),
	)
	co := checkout.New(store, cfg.PackagesDir(), checkout.Options{
		CrossDevice:    checkout.CrossDevicePolicy(cfg.Checkout.CrossDevice),
		VerifyExisting: cfg.Checkout.VerifyExisting,
		Logger:         log,
	})

	backend, err := openBackend(cfg, store, log)
	if err != nil {
		return nil, err
	}
	index := mapping.NewIndex(store, backend, clk, log)
	strategy, err := mapping.StrategyByName(cfg.Mappings.Strategy)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	resolver := &mapping.Resolver{Index: index, Sources: cfg.Mappings.Sources, Strategy: strategy}

	rewriter, err := build.RewriterByName(cfg.Build.Rewriter, runtime.GOOS)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	executor, err := build.New(build.Config{
		Store:     store,
		Checkout:  co,
		Index:     index,
		Resolver:  resolver,
		Sandbox:   opts.Sandbox,
		Rewriter:  rewriter,
		WorkRoot:  cfg.WorkDir(),
		StoreRoot: root,
		Source:    cfg.Mappings.LocalSource,
		Clock:     clk,
		Logger:    log,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open: %w", err)
	}

	return &Repo{
		Root:     root,
		Config:   cfg,
		Store:    store,
		Trees:    tree.NewBuilder(store, tree.OSScanner{}, log),
		Checkout: co,
		Index:    index,
		Resolver: resolver,
		Executor: executor,
		GCer:     gc.New(store, index, co, clk, log),
		Log:      log,
	}, nil
}

func openBackend(cfg *config.Config, store *object.Store, log logrus.FieldLogger) (mapping.Backend, error) {
	dir := cfg.MappingsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open mappings: %w", err)
	}
	switch cfg.Mappings.Backend {
	case "sqlite":
		b, err := mapping.OpenSQLite(filepath.Join(dir, "index.db"))
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		return b, nil
	default:
		b, err := mapping.NewSymlinkBackend(dir, store, log)
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		return b, nil
	}
}

// Close releases the mapping backend.
func (r *Repo) Close() error {
	return r.Index.Backend().Close()
}

// LocalSource is the mapping source new build results are recorded under.
func (r *Repo) LocalSource() string {
	return r.Config.Mappings.LocalSource
}
