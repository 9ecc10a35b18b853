package object

import (
	"errors"
	"fmt"
)

// ErrCycle reports a reference cycle in the object graph. Content addressing
// makes cycles impossible for objects produced by this store, so hitting one
// means the store was tampered with.
var ErrCycle = errors.New("object graph cycle")

// Closure returns every object reachable from roots. Unlike ReachableSet it
// requires every referenced object to be present, and it orders the result
// for transfer: builders first, then content (blobs, trees), then packages
// and mappings. Within one kind, referenced objects precede the objects that
// reference them.
func (s *Store) Closure(roots []Ref) ([]Ref, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[Ref]int)
	var order []Ref

	var visit func(ref Ref, path []Ref) error
	visit = func(ref Ref, path []Ref) error {
		switch state[ref] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("closure %s: %w via %v", ref, ErrCycle, path)
		}
		if !s.Exists(ref.Hash, ref.Kind) {
			return notFound("closure", ref.Hash, s.Path(ref.Hash, ref.Kind), nil)
		}
		state[ref] = visiting
		children, err := s.References(ref)
		if err != nil {
			return fmt.Errorf("closure %s: %w", ref, err)
		}
		for _, child := range children {
			if err := visit(child, append(path, ref)); err != nil {
				return err
			}
		}
		state[ref] = done
		order = append(order, ref)
		return nil
	}

	for _, root := range uniqueRefs(roots) {
		if err := visit(root, nil); err != nil {
			return nil, err
		}
	}

	// Stable partition by kind keeps the post-order within each kind.
	out := make([]Ref, 0, len(order))
	for _, kind := range Kinds {
		for _, ref := range order {
			if ref.Kind == kind {
				out = append(out, ref)
			}
		}
	}
	return out, nil
}
