package repo

import (
	"fmt"
	"sort"

	"github.com/odvcencio/strata/pkg/gc"
	"github.com/odvcencio/strata/pkg/object"
)

// GCRoots returns the pinned packages: every pin plus the gc.pins entries
// of the configuration, which may be pin names or package hashes.
func (r *Repo) GCRoots() ([]object.Hash, error) {
	pins, err := r.ListPins()
	if err != nil {
		return nil, err
	}

	rootSet := make(map[object.Hash]struct{}, len(pins)+len(r.Config.GC.Pins))
	for _, h := range pins {
		rootSet[h] = struct{}{}
	}
	for _, p := range r.Config.GC.Pins {
		h, err := r.ResolvePackage(p)
		if err != nil {
			return nil, fmt.Errorf("gc.pins %q: %w", p, err)
		}
		rootSet[h] = struct{}{}
	}

	roots := make([]object.Hash, 0, len(rootSet))
	for h := range rootSet {
		roots = append(roots, h)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots, nil
}

// GC removes everything not reachable from a mapping or a pin. Package
// pruning follows gc.prune_packages.
func (r *Repo) GC(dryRun bool) (*gc.Summary, error) {
	roots, err := r.GCRoots()
	if err != nil {
		return nil, err
	}
	return r.GCer.Collect(gc.Options{
		Pins:           roots,
		DryRun:         dryRun,
		PrunePackages:  r.Config.GC.PrunePackages,
		PlaceholderAge: gc.DefaultPlaceholderAge,
	})
}
