package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/strata/pkg/object"
)

// minPrefix is the shortest hash prefix accepted on the command line.
const minPrefix = 4

// ResolveObject turns a full hash, a unique hash prefix, or a pin name into
// a stored object. If kind is empty any kind matches.
//
// Resolution order:
//  1. A full hash is looked up under every requested kind.
//  2. A hex string of at least four characters is matched as a prefix.
//  3. Anything else, or a prefix nothing matches, is a pin name, which
//     names a package.
func (r *Repo) ResolveObject(arg string, kind object.Kind) (object.Ref, error) {
	arg = strings.TrimSpace(arg)
	kinds := object.Kinds
	if kind != "" {
		kinds = []object.Kind{kind}
	}

	if h, err := object.ParseHash(arg); err == nil {
		for _, k := range kinds {
			if r.Store.Exists(h, k) {
				return object.Ref{Hash: h, Kind: k}, nil
			}
		}
		return object.Ref{}, &object.Error{Kind: object.ErrNotFound, Op: "resolve", Hash: h}
	}

	var prefixErr error
	if len(arg) >= minPrefix && isHex(arg) {
		ref, err := r.resolvePrefix(arg, kinds)
		if err == nil || !errors.Is(err, object.ErrNotFound) {
			return ref, err
		}
		prefixErr = err
	}

	if kind != "" && kind != object.KindPackage {
		if prefixErr != nil {
			return object.Ref{}, prefixErr
		}
		return object.Ref{}, fmt.Errorf("resolve %q: not a %s hash", arg, kind)
	}
	h, err := r.ResolvePin(arg)
	if err != nil {
		return object.Ref{}, err
	}
	return object.Ref{Hash: h, Kind: object.KindPackage}, nil
}

// ResolvePackage resolves arg to a package hash.
func (r *Repo) ResolvePackage(arg string) (object.Hash, error) {
	ref, err := r.ResolveObject(arg, object.KindPackage)
	if err != nil {
		return "", err
	}
	return ref.Hash, nil
}

func (r *Repo) resolvePrefix(prefix string, kinds []object.Kind) (object.Ref, error) {
	refs, err := r.Store.List()
	if err != nil {
		return object.Ref{}, err
	}
	wanted := make(map[object.Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var matches []object.Ref
	for _, ref := range refs {
		if wanted[ref.Kind] && strings.HasPrefix(string(ref.Hash), prefix) {
			matches = append(matches, ref)
		}
	}
	switch len(matches) {
	case 0:
		return object.Ref{}, &object.Error{Kind: object.ErrNotFound, Op: "resolve", Msg: fmt.Sprintf("no object matches prefix %q", prefix)}
	case 1:
		return matches[0], nil
	}
	return object.Ref{}, fmt.Errorf("resolve: prefix %q is ambiguous (%d objects)", prefix, len(matches))
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
