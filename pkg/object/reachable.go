package object

import (
	"fmt"
	"sort"
)

// ReachableSet returns every object reachable from roots by following object
// references. Missing objects are skipped: a mapping whose result was never
// imported still keeps its builder graph alive.
func (s *Store) ReachableSet(roots []Ref) (map[Ref]struct{}, error) {
	roots = uniqueRefs(roots)
	out := make(map[Ref]struct{}, len(roots))
	if len(roots) == 0 {
		return out, nil
	}

	stack := make([]Ref, 0, len(roots))
	stack = append(stack, roots...)
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[ref]; ok {
			continue
		}
		if !s.Exists(ref.Hash, ref.Kind) {
			continue
		}
		out[ref] = struct{}{}

		refs, err := s.References(ref)
		if err != nil {
			return nil, fmt.Errorf("reachable set %s: %w", ref, err)
		}
		stack = append(stack, refs...)
	}

	return out, nil
}

// References returns the objects ref points at directly.
func (s *Store) References(ref Ref) ([]Ref, error) {
	switch ref.Kind {
	case KindBlob:
		return nil, nil
	case KindTree:
		tr, err := s.ReadTree(ref.Hash)
		if err != nil {
			return nil, err
		}
		refs := make([]Ref, 0, len(tr.Entries))
		for _, e := range tr.Entries {
			if e.IsDir() {
				refs = append(refs, Ref{Hash: e.Hash, Kind: KindTree})
				continue
			}
			refs = append(refs, Ref{Hash: e.Hash, Kind: KindBlob})
		}
		return refs, nil
	case KindPackage:
		p, err := s.ReadPackage(ref.Hash)
		if err != nil {
			return nil, err
		}
		refs := make([]Ref, 0, 1+len(p.References))
		refs = append(refs, Ref{Hash: p.Tree, Kind: KindTree})
		for _, h := range p.References {
			refs = append(refs, Ref{Hash: h, Kind: KindPackage})
		}
		return refs, nil
	case KindBuilder:
		b, err := s.ReadBuilder(ref.Hash)
		if err != nil {
			return nil, err
		}
		refs := make([]Ref, 0, len(b.Dependencies)+len(b.BuildDependencies)+len(b.Sources))
		for _, h := range b.Dependencies {
			refs = append(refs, Ref{Hash: h, Kind: KindBuilder})
		}
		for _, h := range b.BuildDependencies {
			refs = append(refs, Ref{Hash: h, Kind: KindBuilder})
		}
		names := make([]string, 0, len(b.Sources))
		for name := range b.Sources {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			refs = append(refs, Ref{Hash: b.Sources[name], Kind: KindBlob})
		}
		return refs, nil
	case KindMapping:
		m, err := s.ReadMapping(ref.Hash)
		if err != nil {
			return nil, err
		}
		return []Ref{
			{Hash: m.Builder, Kind: KindBuilder},
			{Hash: m.Result, Kind: KindPackage},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported object kind %q", ref.Kind)
	}
}

func uniqueRefs(in []Ref) []Ref {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Ref]struct{}, len(in))
	out := make([]Ref, 0, len(in))
	for _, r := range in {
		if !r.Hash.Valid() {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
