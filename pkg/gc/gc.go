// Package gc removes objects and realized packages that no mapping or pin
// keeps alive.
package gc

import (
	"fmt"
	"os"
	"time"

	"github.com/odvcencio/strata/pkg/checkout"
	"github.com/odvcencio/strata/pkg/clock"
	"github.com/odvcencio/strata/pkg/mapping"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

// DefaultPlaceholderAge is the PlaceholderAge the repo layer collects with.
const DefaultPlaceholderAge = time.Hour

// Options tune a collection pass.
type Options struct {
	// Pins are package hashes kept alive in addition to every mapping.
	Pins []object.Hash
	// DryRun reports what would be removed without touching the store.
	DryRun bool
	// PrunePackages removes realized packages that are not live and leftover
	// checkout placeholders.
	PrunePackages bool
	// PlaceholderAge keeps placeholders modified more recently than this,
	// since a concurrent checkout may still be populating them.
	PlaceholderAge time.Duration
}

// Summary reports the outcome of a collection pass.
type Summary struct {
	Scanned        int
	Live           int
	Removed        int
	Bytes          int64
	PrunedPackages int
	Placeholders   int
	DryRun         bool
}

// Collector walks the store from its roots and unlinks everything else.
type Collector struct {
	store    *object.Store
	index    *mapping.Index
	checkout *checkout.Engine
	clock    clock.Clock
	log      logrus.FieldLogger
}

// New returns a Collector. clk may be nil for the real clock.
func New(store *object.Store, index *mapping.Index, co *checkout.Engine, clk clock.Clock, log logrus.FieldLogger) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Collector{store: store, index: index, checkout: co, clock: clk, log: log}
}

// Roots returns every mapping linked from the index plus the pinned
// packages.
func (c *Collector) Roots(pins []object.Hash) ([]object.Ref, error) {
	mappings, err := c.index.All()
	if err != nil {
		return nil, fmt.Errorf("gc roots: %w", err)
	}
	roots := make([]object.Ref, 0, len(mappings)+len(pins))
	for _, h := range mappings {
		roots = append(roots, object.Ref{Hash: h, Kind: object.KindMapping})
	}
	for _, h := range pins {
		if !c.store.Exists(h, object.KindPackage) {
			return nil, &object.Error{Kind: object.ErrNotFound, Op: "gc pin", Hash: h, Msg: "pinned package is not in the store"}
		}
		roots = append(roots, object.Ref{Hash: h, Kind: object.KindPackage})
	}
	return roots, nil
}

// Collect runs one pass.
//
// Algorithm:
//  1. Roots are every mapping in every source plus the pins.
//  2. The live set is everything reachable from the roots: a mapping keeps
//     its builder graph and its result package graph.
//  3. Every listed object outside the live set is unlinked. Hard links in
//     realized packages keep their content on disk.
//  4. With PrunePackages, realized packages whose hash is not live are
//     removed, along with stale placeholders.
func (c *Collector) Collect(opts Options) (*Summary, error) {
	roots, err := c.Roots(opts.Pins)
	if err != nil {
		return nil, err
	}
	live, err := c.store.ReachableSet(roots)
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	refs, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	summary := &Summary{Scanned: len(refs), Live: len(live), DryRun: opts.DryRun}
	for _, ref := range refs {
		if _, ok := live[ref]; ok {
			continue
		}
		size, err := c.store.Size(ref.Hash, ref.Kind)
		if err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		if !opts.DryRun {
			if err := c.store.Remove(ref.Hash, ref.Kind); err != nil {
				return nil, fmt.Errorf("gc: %w", err)
			}
		}
		summary.Removed++
		summary.Bytes += size
	}

	if opts.PrunePackages && c.checkout != nil {
		if err := c.prune(live, opts, summary); err != nil {
			return nil, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"scanned":  summary.Scanned,
		"live":     summary.Live,
		"removed":  summary.Removed,
		"bytes":    summary.Bytes,
		"packages": summary.PrunedPackages,
		"dry_run":  summary.DryRun,
	}).Info("gc complete")
	return summary, nil
}

func (c *Collector) prune(live map[object.Ref]struct{}, opts Options, summary *Summary) error {
	realized, placeholders, err := c.checkout.Scan()
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	for _, r := range realized {
		if _, ok := live[object.Ref{Hash: r.Hash, Kind: object.KindPackage}]; ok {
			continue
		}
		if !opts.DryRun {
			if err := c.checkout.Remove(r.Path); err != nil {
				return fmt.Errorf("gc: %w", err)
			}
		}
		c.log.WithFields(logrus.Fields{"package": r.Name, "hash": r.Hash.Short()}).Debug("pruned package")
		summary.PrunedPackages++
	}

	cutoff := c.clock.Now().Add(-opts.PlaceholderAge)
	for _, p := range placeholders {
		info, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if opts.PlaceholderAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if !opts.DryRun {
			if err := c.checkout.Remove(p); err != nil {
				return fmt.Errorf("gc: %w", err)
			}
		}
		summary.Placeholders++
	}
	return nil
}
