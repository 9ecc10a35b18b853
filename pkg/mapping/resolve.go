package mapping

import (
	"fmt"
	"sort"

	"github.com/odvcencio/strata/pkg/object"
)

// Strategy picks one candidate among the mappings every source records for a
// builder. bySource is in priority order; sources without candidates are
// included as empty slices. ok is false when nothing should be trusted.
type Strategy interface {
	Choose(builder object.Hash, bySource [][]Candidate) (c Candidate, ok bool, err error)
}

// PriorityStrategy trusts the first source that knows the builder. Within a
// source the newest mapping wins.
type PriorityStrategy struct{}

func (PriorityStrategy) Choose(_ object.Hash, bySource [][]Candidate) (Candidate, bool, error) {
	for _, cands := range bySource {
		if len(cands) > 0 {
			return cands[0], true, nil
		}
	}
	return Candidate{}, false, nil
}

// UnanimousStrategy requires every recorded mapping, across all sources, to
// name the same result. Disagreement means the builder is not reproducible
// and is reported as ErrMappingConflict.
type UnanimousStrategy struct{}

func (UnanimousStrategy) Choose(builder object.Hash, bySource [][]Candidate) (Candidate, bool, error) {
	var (
		chosen Candidate
		found  bool
	)
	for _, cands := range bySource {
		for _, c := range cands {
			if !found {
				chosen, found = c, true
				continue
			}
			if c.Mapping.Result != chosen.Mapping.Result {
				return Candidate{}, false, &object.Error{
					Kind: object.ErrMappingConflict,
					Op:   "resolve",
					Hash: builder,
					Msg:  fmt.Sprintf("%s says %s, %s says %s", chosen.Source, chosen.Mapping.Result.Short(), c.Source, c.Mapping.Result.Short()),
				}
			}
		}
	}
	return chosen, found, nil
}

// StrategyByName returns the strategy for a configuration value.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "priority":
		return PriorityStrategy{}, nil
	case "unanimous":
		return UnanimousStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown mapping strategy %q", name)
}

// Resolver answers "which package did this builder produce?" across
// sources.
type Resolver struct {
	Index    *Index
	Sources  []string // priority order; empty means DefaultSources
	Strategy Strategy // nil means PriorityStrategy
}

// DefaultSources orders the known sources with LocalSource first and the
// rest alphabetically.
func DefaultSources(known []string) []string {
	out := []string{LocalSource}
	rest := make([]string, 0, len(known))
	for _, s := range known {
		if s != LocalSource {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (r *Resolver) sources() ([]string, error) {
	if len(r.Sources) > 0 {
		return r.Sources, nil
	}
	known, err := r.Index.Sources()
	if err != nil {
		return nil, err
	}
	return DefaultSources(known), nil
}

// Resolve returns the trusted mapping for builder, or an ErrNotFound error.
func (r *Resolver) Resolve(builder object.Hash) (Candidate, error) {
	sources, err := r.sources()
	if err != nil {
		return Candidate{}, err
	}
	bySource := make([][]Candidate, 0, len(sources))
	for _, s := range sources {
		cands, err := r.Index.Candidates(s, builder)
		if err != nil {
			return Candidate{}, err
		}
		bySource = append(bySource, cands)
	}
	strategy := r.Strategy
	if strategy == nil {
		strategy = PriorityStrategy{}
	}
	c, ok, err := strategy.Choose(builder, bySource)
	if err != nil {
		return Candidate{}, err
	}
	if !ok {
		return Candidate{}, &object.Error{Kind: object.ErrNotFound, Op: "resolve", Hash: builder, Msg: "no mapping for builder"}
	}
	return c, nil
}
