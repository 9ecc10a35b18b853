package mapping

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/odvcencio/strata/pkg/clock"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

// Index records Mapping objects in the store and links them in a Backend.
type Index struct {
	store   *object.Store
	backend Backend
	clock   clock.Clock
	log     logrus.FieldLogger
}

// NewIndex returns an Index. A nil clock means clock.Real().
func NewIndex(store *object.Store, backend Backend, clk clock.Clock, log logrus.FieldLogger) *Index {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Index{store: store, backend: backend, clock: clk, log: log}
}

// Backend returns the link storage behind the index.
func (ix *Index) Backend() Backend { return ix.backend }

// NewMapping builds a Mapping stamped with the index clock.
func (ix *Index) NewMapping(builder, result object.Hash, duration time.Duration) *object.MappingObj {
	return &object.MappingObj{
		Builder: builder,
		Result:  result,
		Metadata: object.MappingMetadata{
			DurationNanos: int64(duration),
			Timestamp:     ix.clock.Now().Unix(),
		},
	}
}

// Record stores m and links it under source. If source already maps the
// same builder to the same result, the existing mapping hash is returned and
// nothing is written, so retries and concurrent recorders agree.
func (ix *Index) Record(source string, m *object.MappingObj) (object.Hash, error) {
	if err := ValidateSource(source); err != nil {
		return "", err
	}
	existing, err := ix.backend.ByBuilder(source, m.Builder)
	if err != nil {
		return "", err
	}
	for _, mh := range existing {
		prev, err := ix.store.ReadMapping(mh)
		if err != nil {
			continue
		}
		if prev.Result == m.Result {
			if err := ix.backend.Put(source, Entry{Builder: m.Builder, Result: m.Result, Mapping: mh}); err != nil {
				return "", err
			}
			return mh, nil
		}
	}

	mh, err := ix.store.WriteMapping(m)
	if err != nil {
		return "", fmt.Errorf("record mapping: %w", err)
	}
	if err := ix.backend.Put(source, Entry{Builder: m.Builder, Result: m.Result, Mapping: mh}); err != nil {
		return "", err
	}
	ix.log.WithFields(logrus.Fields{
		"source":  source,
		"builder": m.Builder.Short(),
		"result":  m.Result.Short(),
		"mapping": mh.Short(),
	}).Info("recorded mapping")
	return mh, nil
}

// LookupByBuilder returns the mappings recorded for a builder.
func (ix *Index) LookupByBuilder(source string, builder object.Hash) ([]object.Hash, error) {
	if err := ValidateSource(source); err != nil {
		return nil, err
	}
	return ix.backend.ByBuilder(source, builder)
}

// LookupByResult returns the mappings that claim a result.
func (ix *Index) LookupByResult(source string, result object.Hash) ([]object.Hash, error) {
	if err := ValidateSource(source); err != nil {
		return nil, err
	}
	return ix.backend.ByResult(source, result)
}

// Sources lists every source with at least one link.
func (ix *Index) Sources() ([]string, error) {
	return ix.backend.Sources()
}

// Candidate is a mapping found while resolving a builder.
type Candidate struct {
	Source  string
	Hash    object.Hash
	Mapping *object.MappingObj
}

// Candidates reads the mappings a source records for builder, newest first.
// Links whose mapping object is missing are skipped; Check reports them.
func (ix *Index) Candidates(source string, builder object.Hash) ([]Candidate, error) {
	hashes, err := ix.backend.ByBuilder(source, builder)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hashes))
	for _, mh := range hashes {
		m, err := ix.store.ReadMapping(mh)
		if err != nil {
			if errors.Is(err, object.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, Candidate{Source: source, Hash: mh, Mapping: m})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mapping.Metadata.Timestamp != out[j].Mapping.Metadata.Timestamp {
			return out[i].Mapping.Metadata.Timestamp > out[j].Mapping.Metadata.Timestamp
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// All returns every mapping hash linked under any source.
func (ix *Index) All() ([]object.Hash, error) {
	sources, err := ix.backend.Sources()
	if err != nil {
		return nil, err
	}
	seen := make(map[object.Hash]struct{})
	var out []object.Hash
	for _, source := range sources {
		links, err := ix.backend.Links(source)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if _, ok := seen[l.Mapping]; ok {
				continue
			}
			seen[l.Mapping] = struct{}{}
			out = append(out, l.Mapping)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ProblemKind classifies an index inconsistency.
type ProblemKind string

const (
	// ProblemHalfPair: only one of the two links of a mapping exists.
	ProblemHalfPair ProblemKind = "half-pair"
	// ProblemDangling: the mapping object a link names is missing.
	ProblemDangling ProblemKind = "dangling"
	// ProblemMisfiled: a link is filed under a hash the mapping does not name.
	ProblemMisfiled ProblemKind = "misfiled"
	// ProblemBroken: the link exists but does not resolve to its mapping.
	ProblemBroken ProblemKind = "broken"
)

// Problem is one inconsistency found by Check.
type Problem struct {
	Kind    ProblemKind
	Source  string
	Mapping object.Hash
	Link    Link
	Missing Key // for ProblemHalfPair
}

func (p Problem) String() string {
	if p.Kind == ProblemHalfPair {
		return fmt.Sprintf("%s: mapping %s in %s is missing its %s link", p.Kind, p.Mapping.Short(), p.Source, p.Missing)
	}
	return fmt.Sprintf("%s: %s", p.Kind, p.Link)
}

// Check inspects every link of source.
func (ix *Index) Check(source string) ([]Problem, error) {
	links, err := ix.backend.Links(source)
	if err != nil {
		return nil, err
	}
	byMapping := make(map[object.Hash][]Link)
	var order []object.Hash
	for _, l := range links {
		if _, ok := byMapping[l.Mapping]; !ok {
			order = append(order, l.Mapping)
		}
		byMapping[l.Mapping] = append(byMapping[l.Mapping], l)
	}

	var problems []Problem
	for _, mh := range order {
		group := byMapping[mh]
		m, err := ix.store.ReadMapping(mh)
		if err != nil {
			if !errors.Is(err, object.ErrNotFound) {
				return nil, err
			}
			for _, l := range group {
				problems = append(problems, Problem{Kind: ProblemDangling, Source: source, Mapping: mh, Link: l})
			}
			continue
		}
		var haveBuilder, haveResult bool
		for _, l := range group {
			want := m.Builder
			if l.Key == KeyResult {
				want = m.Result
			}
			switch {
			case l.Hash != want:
				problems = append(problems, Problem{Kind: ProblemMisfiled, Source: source, Mapping: mh, Link: l})
				continue
			case l.Broken:
				problems = append(problems, Problem{Kind: ProblemBroken, Source: source, Mapping: mh, Link: l})
			}
			if l.Key == KeyBuilder {
				haveBuilder = true
			} else {
				haveResult = true
			}
		}
		if haveBuilder != haveResult {
			missing := KeyResult
			if !haveBuilder {
				missing = KeyBuilder
			}
			problems = append(problems, Problem{Kind: ProblemHalfPair, Source: source, Mapping: mh, Missing: missing})
		}
	}
	return problems, nil
}

// Repair fixes the problems Check reports: missing halves are recreated,
// broken links are retargeted, and dangling or misfiled links are removed.
// It returns the problems it fixed.
func (ix *Index) Repair(source string) ([]Problem, error) {
	problems, err := ix.Check(source)
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		switch p.Kind {
		case ProblemHalfPair:
			m, err := ix.store.ReadMapping(p.Mapping)
			if err != nil {
				return nil, err
			}
			if err := ix.backend.Put(source, Entry{Builder: m.Builder, Result: m.Result, Mapping: p.Mapping}); err != nil {
				return nil, fmt.Errorf("repair %s: %w", p, err)
			}
		case ProblemBroken:
			if err := ix.backend.FixLink(p.Link); err != nil {
				return nil, err
			}
		case ProblemDangling, ProblemMisfiled:
			if err := ix.backend.RemoveLink(p.Link); err != nil {
				return nil, err
			}
		}
		ix.log.WithField("problem", p.String()).Info("repaired mapping index")
	}
	return problems, nil
}

// Forget removes both links of a mapping from source. The mapping object is
// left for garbage collection.
func (ix *Index) Forget(source string, mh object.Hash) error {
	m, err := ix.store.ReadMapping(mh)
	if err != nil {
		return err
	}
	for _, l := range []Link{
		{Source: source, Key: KeyBuilder, Hash: m.Builder, Mapping: mh},
		{Source: source, Key: KeyResult, Hash: m.Result, Mapping: mh},
	} {
		if err := ix.backend.RemoveLink(l); err != nil {
			return err
		}
	}
	return nil
}
