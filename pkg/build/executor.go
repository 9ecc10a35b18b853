// Package build runs Builder recipes in a scoped work directory, relocates
// their output, and records the resulting package as a Mapping.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/odvcencio/strata/pkg/checkout"
	"github.com/odvcencio/strata/pkg/clock"
	"github.com/odvcencio/strata/pkg/mapping"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/tree"
	"github.com/sirupsen/logrus"
)

// Config wires an Executor to the rest of the store.
type Config struct {
	Store     *object.Store
	Checkout  *checkout.Engine
	Index     *mapping.Index
	Resolver  *mapping.Resolver
	Sandbox   Sandbox  // nil means ProcessSandbox
	Rewriter  Rewriter // nil means ForPlatform(runtime.GOOS)
	WorkRoot  string
	StoreRoot string // build output may only link into it through the packages root
	Source    string // mapping source for new results; empty means localhost
	Clock     clock.Clock
	Logger    logrus.FieldLogger
}

// Executor runs builds.
type Executor struct {
	cfg          Config
	trees        *tree.Builder
	workRoot     string
	packagesRoot string
	protected    []string
	log          logrus.FieldLogger
}

// New validates cfg and canonicalizes the work and packages roots, creating
// them if needed.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil || cfg.Checkout == nil || cfg.Index == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("build executor: store, checkout, index and resolver are required")
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = ProcessSandbox{}
	}
	if cfg.Rewriter == nil {
		cfg.Rewriter = ForPlatform(runtime.GOOS)
	}
	if cfg.Source == "" {
		cfg.Source = mapping.LocalSource
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	workRoot, err := canonicalDir(cfg.WorkRoot)
	if err != nil {
		return nil, fmt.Errorf("build work root: %w", err)
	}
	packagesRoot, err := canonicalDir(cfg.Checkout.Root())
	if err != nil {
		return nil, fmt.Errorf("build packages root: %w", err)
	}
	protected := []string{workRoot}
	for _, dir := range []string{cfg.Store.Dir(), cfg.StoreRoot} {
		if dir == "" {
			continue
		}
		c, err := canonicalDir(dir)
		if err != nil {
			return nil, fmt.Errorf("build store root: %w", err)
		}
		protected = append(protected, c)
	}
	return &Executor{
		cfg:          cfg,
		trees:        tree.NewBuilder(cfg.Store, tree.OSScanner{}, cfg.Logger),
		workRoot:     workRoot,
		packagesRoot: packagesRoot,
		protected:    protected,
		log:          cfg.Logger,
	}, nil
}

func canonicalDir(p string) (string, error) {
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Options tune a single Execute call.
type Options struct {
	Force  bool // build even if a mapping already names a result
	Stdout io.Writer
	Stderr io.Writer
}

// Result describes a finished build.
type Result struct {
	Builder  object.Hash
	Package  object.Hash
	Mapping  object.Hash
	Path     string
	Duration time.Duration
	Trail    []State
	Reused   bool // satisfied from an existing mapping without building
}

// Execute builds the recipe stored under builderHash.
//
// Algorithm:
//  1. Unless Force is set, reuse the result an existing mapping names.
//  2. Prepared: resolve and realize every dependency, allocate the work
//     directory and materialize sources into src/ and deps/.
//  3. Running: run the command in the sandbox with out, src and deps set.
//  4. Relocating: rewrite symlinks and self references under out/.
//  5. Hashed: build the tree, assemble the package and realize it.
//  6. Recorded: record the mapping under the local source.
//
// The work directory is removed on every exit path, and nothing is written
// to the object store before relocation succeeds.
func (e *Executor) Execute(ctx context.Context, builderHash object.Hash, opts Options) (*Result, error) {
	b, err := e.cfg.Store.ReadBuilder(builderHash)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	log := e.log.WithFields(logrus.Fields{"builder": builderHash.Short(), "name": b.Name})

	if !opts.Force {
		if res, err := e.reuse(builderHash); err == nil {
			log.WithField("package", res.Package.Short()).Info("build satisfied by existing mapping")
			return res, nil
		} else if !errors.Is(err, object.ErrNotFound) {
			return nil, err
		}
	}
	if host := object.HostPlatform(); b.Platform != host {
		return nil, fmt.Errorf("build %s: builder targets %s, host is %s", b.Name, b.Platform, host)
	}

	m := newMachine(log)
	res, err := e.run(ctx, builderHash, b, m, opts, log)
	if err != nil {
		m.fail(err)
		return nil, err
	}
	res.Trail = m.Trail()
	return res, nil
}

func (e *Executor) reuse(builderHash object.Hash) (*Result, error) {
	c, err := e.cfg.Resolver.Resolve(builderHash)
	if err != nil {
		return nil, err
	}
	path, err := e.cfg.Checkout.Realize(c.Mapping.Result)
	if err != nil {
		return nil, err
	}
	return &Result{
		Builder:  builderHash,
		Package:  c.Mapping.Result,
		Mapping:  c.Hash,
		Path:     path,
		Duration: time.Duration(c.Mapping.Metadata.DurationNanos),
		Reused:   true,
	}, nil
}

type dependency struct {
	name     string
	pkg      object.Hash
	realized string
	runtime  bool
}

func (e *Executor) run(ctx context.Context, builderHash object.Hash, b *object.BuilderObj, m *machine, opts Options, log logrus.FieldLogger) (*Result, error) {
	start := e.cfg.Clock.Now()

	deps, err := e.resolveDeps(b)
	if err != nil {
		return nil, err
	}

	workDir, err := e.allocWorkDir(b.Name)
	if err != nil {
		return nil, err
	}
	defer e.removeWorkDir(workDir)

	srcDir := filepath.Join(workDir, "src")
	depsDir := filepath.Join(workDir, "deps")
	outDir := filepath.Join(workDir, "out")
	if err := e.materialize(b, deps, srcDir, depsDir); err != nil {
		return nil, err
	}
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.Name, err)
	}

	if err := m.transition(StatePrepared, StateRunning); err != nil {
		return nil, err
	}
	env := make(map[string]string, len(b.Env)+3)
	for k, v := range b.Env {
		env[k] = v
	}
	env["out"] = outDir
	env["src"] = srcDir
	env["deps"] = depsDir
	err = e.cfg.Sandbox.Run(ctx, Command{Args: b.Command, Env: env, Dir: srcDir, Stdout: opts.Stdout, Stderr: opts.Stderr})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			exitErr.Builder = builderHash
			return nil, exitErr
		}
		return nil, fmt.Errorf("build %s: %w", b.Name, err)
	}

	if err := m.transition(StateRunning, StateRelocating); err != nil {
		return nil, err
	}
	realizedDeps := make(map[string]string, len(deps))
	for _, d := range deps {
		realizedDeps[d.name] = d.realized
	}
	rel := &Relocation{
		WorkDir:      workDir,
		OutDir:       outDir,
		DepsDir:      depsDir,
		PackagesRoot: e.packagesRoot,
		FinalDir:     filepath.Join(e.packagesRoot, checkout.DirName(b.Name, object.ZeroHash)),
		Deps:         realizedDeps,
		Protected:    e.protected,
		Rewriter:     e.cfg.Rewriter,
		Log:          log,
	}
	if err := rel.Run(); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.Name, err)
	}

	if err := m.transition(StateRelocating, StateHashed); err != nil {
		return nil, err
	}
	root, err := e.trees.BuildTree(outDir)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", b.Name, err)
	}
	var refs []object.Hash
	for _, d := range deps {
		if d.runtime {
			refs = append(refs, d.pkg)
		}
	}
	pkg, err := tree.Assemble(e.cfg.Store, b.Name, b.Platform, refs, root)
	if err != nil {
		return nil, err
	}
	path, err := e.cfg.Checkout.Realize(pkg)
	if err != nil {
		return nil, err
	}

	duration := e.cfg.Clock.Now().Sub(start)
	mh, err := e.cfg.Index.Record(e.cfg.Source, e.cfg.Index.NewMapping(builderHash, pkg, duration))
	if err != nil {
		return nil, err
	}
	if err := m.transition(StateHashed, StateRecorded); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"package": pkg.Short(), "duration": duration}).Info("build recorded")
	return &Result{
		Builder:  builderHash,
		Package:  pkg,
		Mapping:  mh,
		Path:     path,
		Duration: duration,
	}, nil
}

// resolveDeps maps dependency builders to realized packages. Runtime
// dependencies become the package's references.
func (e *Executor) resolveDeps(b *object.BuilderObj) ([]dependency, error) {
	runtimeDeps := make(map[object.Hash]bool, len(b.Dependencies))
	for _, h := range b.Dependencies {
		runtimeDeps[h] = true
	}
	all := append(append([]object.Hash{}, b.Dependencies...), b.BuildDependencies...)

	seen := make(map[object.Hash]bool)
	names := make(map[string]int)
	var out []dependency
	for _, dh := range all {
		if seen[dh] {
			continue
		}
		seen[dh] = true
		c, err := e.cfg.Resolver.Resolve(dh)
		if err != nil {
			return nil, fmt.Errorf("build %s: dependency %s: %w", b.Name, dh.Short(), err)
		}
		pkg, err := e.cfg.Store.ReadPackage(c.Mapping.Result)
		if err != nil {
			return nil, fmt.Errorf("build %s: dependency %s: %w", b.Name, dh.Short(), err)
		}
		if i, ok := names[pkg.Name]; ok {
			if out[i].pkg != c.Mapping.Result {
				return nil, fmt.Errorf("build %s: two dependencies are named %q", b.Name, pkg.Name)
			}
			out[i].runtime = out[i].runtime || runtimeDeps[dh]
			continue
		}
		names[pkg.Name] = len(out)
		realized, err := e.cfg.Checkout.Realize(c.Mapping.Result)
		if err != nil {
			return nil, fmt.Errorf("build %s: dependency %s: %w", b.Name, pkg.Name, err)
		}
		realized = filepath.Join(e.packagesRoot, filepath.Base(realized))
		out = append(out, dependency{name: pkg.Name, pkg: c.Mapping.Result, realized: realized, runtime: runtimeDeps[dh]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// allocWorkDir creates <work root>/<uuid>, padded with underscores so that
// every path the build can embed is at least as long as its installed
// replacement. The length depends only on the roots and the package name,
// which keeps same-length binary rewrites reproducible.
func (e *Executor) allocWorkDir(name string) (string, error) {
	dir := filepath.Join(e.workRoot, uuid.NewString())
	if need := len(e.packagesRoot) + len(name) + object.HashSize - 2; len(dir) < need {
		dir += strings.Repeat("_", need-len(dir))
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("build work dir: %w", err)
	}
	return dir, nil
}

// removeWorkDir deletes the work directory, first restoring write
// permission on anything the build made read-only.
func (e *Executor) removeWorkDir(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		e.log.WithError(err).WithField("dir", dir).Warn("could not remove build work dir")
	}
}

func (e *Executor) materialize(b *object.BuilderObj, deps []dependency, srcDir, depsDir string) error {
	if err := os.Mkdir(srcDir, 0o755); err != nil {
		return fmt.Errorf("build %s: %w", b.Name, err)
	}
	for name, h := range b.Sources {
		blob, err := e.cfg.Store.ReadBlob(h)
		if err != nil {
			return fmt.Errorf("build %s: source %s: %w", b.Name, name, err)
		}
		p := filepath.Join(srcDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("build %s: %w", b.Name, err)
		}
		switch blob.Mode {
		case object.BlobSymlink:
			err = os.Symlink(string(blob.Data), p)
		case object.BlobExecutable:
			err = os.WriteFile(p, blob.Data, 0o755)
		default:
			err = os.WriteFile(p, blob.Data, 0o644)
		}
		if err != nil {
			return fmt.Errorf("build %s: source %s: %w", b.Name, name, err)
		}
	}

	if err := os.Mkdir(depsDir, 0o755); err != nil {
		return fmt.Errorf("build %s: %w", b.Name, err)
	}
	for _, d := range deps {
		if err := os.Symlink(d.realized, filepath.Join(depsDir, d.name)); err != nil {
			return fmt.Errorf("build %s: dependency %s: %w", b.Name, d.name, err)
		}
	}
	return nil
}
