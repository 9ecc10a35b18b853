package mapping

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

// SymlinkBackend keeps the index as symlinks on disk:
//
//	<root>/<source>/builder/<b[:2]>/<b[2:]>/<mapping> -> objects/../<mapping>.map
//	<root>/<source>/result/<r[:2]>/<r[2:]>/<mapping>  -> objects/../<mapping>.map
//
// Link targets are relative so the store root can be moved.
type SymlinkBackend struct {
	root  string
	store *object.Store
	log   logrus.FieldLogger
}

// NewSymlinkBackend returns a backend rooted at root whose links point into
// store.
func NewSymlinkBackend(root string, store *object.Store, log logrus.FieldLogger) (*SymlinkBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("mapping root: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SymlinkBackend{root: abs, store: store, log: log}, nil
}

func (b *SymlinkBackend) keyDir(source string, key Key, h object.Hash) string {
	return filepath.Join(b.root, source, string(key), string(h[:2]), string(h[2:]))
}

func (b *SymlinkBackend) linkPath(l Link) string {
	return filepath.Join(b.keyDir(l.Source, l.Key, l.Hash), string(l.Mapping))
}

func (b *SymlinkBackend) target(l Link) (string, error) {
	objPath, err := filepath.Abs(b.store.Path(l.Mapping, object.KindMapping))
	if err != nil {
		return "", err
	}
	return filepath.Rel(b.keyDir(l.Source, l.Key, l.Hash), objPath)
}

// Put creates the builder link and then the result link. If the second link
// cannot be created, a builder link created by this call is removed again.
func (b *SymlinkBackend) Put(source string, e Entry) error {
	if err := ValidateSource(source); err != nil {
		return err
	}
	bl := Link{Source: source, Key: KeyBuilder, Hash: e.Builder, Mapping: e.Mapping}
	rl := Link{Source: source, Key: KeyResult, Hash: e.Result, Mapping: e.Mapping}

	created, err := b.createLink(bl)
	if err != nil {
		return err
	}
	if _, err := b.createLink(rl); err != nil {
		if created {
			if rmErr := b.RemoveLink(bl); rmErr != nil {
				b.log.WithError(rmErr).WithField("link", bl.String()).Warn("could not roll back builder link")
			}
		}
		return err
	}
	return nil
}

// createLink reports whether it created the link. An existing link with
// the same target is left alone.
func (b *SymlinkBackend) createLink(l Link) (bool, error) {
	target, err := b.target(l)
	if err != nil {
		return false, fmt.Errorf("mapping link %s: %w", l, err)
	}
	p := b.linkPath(l)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("mapping link mkdir: %w", err)
	}
	err = os.Symlink(target, p)
	if err == nil {
		b.log.WithField("link", l.String()).Debug("created mapping link")
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("mapping link %s: %w", l, err)
	}
	existing, rerr := os.Readlink(p)
	if rerr != nil {
		return false, conflict(l.Source, l, "path exists and is not a symlink")
	}
	if existing != target {
		return false, conflict(l.Source, l, fmt.Sprintf("points at %s, not %s", existing, target))
	}
	return false, nil
}

func (b *SymlinkBackend) ByBuilder(source string, builder object.Hash) ([]object.Hash, error) {
	return b.lookup(source, KeyBuilder, builder)
}

func (b *SymlinkBackend) ByResult(source string, result object.Hash) ([]object.Hash, error) {
	return b.lookup(source, KeyResult, result)
}

func (b *SymlinkBackend) lookup(source string, key Key, h object.Hash) ([]object.Hash, error) {
	if err := ValidateSource(source); err != nil {
		return nil, fmt.Errorf("mapping lookup: %w", err)
	}
	if !h.Valid() {
		return nil, fmt.Errorf("mapping lookup: invalid hash %q", h)
	}
	entries, err := os.ReadDir(b.keyDir(source, key, h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mapping lookup %s %s: %w", key, h, err)
	}
	out := make([]object.Hash, 0, len(entries))
	for _, e := range entries {
		if m, err := object.ParseHash(e.Name()); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *SymlinkBackend) Sources() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mapping sources: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidateSource(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Links walks every link of a source. Names that do not parse as hashes
// are ignored.
func (b *SymlinkBackend) Links(source string) ([]Link, error) {
	if err := ValidateSource(source); err != nil {
		return nil, fmt.Errorf("mapping links: %w", err)
	}
	var out []Link
	for _, key := range []Key{KeyBuilder, KeyResult} {
		keyRoot := filepath.Join(b.root, source, string(key))
		shards, err := os.ReadDir(keyRoot)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("mapping links: %w", err)
		}
		for _, shard := range shards {
			rests, err := os.ReadDir(filepath.Join(keyRoot, shard.Name()))
			if err != nil {
				continue
			}
			for _, rest := range rests {
				h, err := object.ParseHash(shard.Name() + rest.Name())
				if err != nil {
					continue
				}
				names, err := os.ReadDir(filepath.Join(keyRoot, shard.Name(), rest.Name()))
				if err != nil {
					return nil, fmt.Errorf("mapping links: %w", err)
				}
				for _, name := range names {
					m, err := object.ParseHash(name.Name())
					if err != nil {
						continue
					}
					l := Link{Source: source, Key: key, Hash: h, Mapping: m}
					l.Broken = !b.linkResolves(l)
					out = append(out, l)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (b *SymlinkBackend) linkResolves(l Link) bool {
	want, err := b.target(l)
	if err != nil {
		return false
	}
	got, err := os.Readlink(b.linkPath(l))
	return err == nil && got == want
}

// FixLink atomically replaces a link with the correct target.
func (b *SymlinkBackend) FixLink(l Link) error {
	if err := validLink(l); err != nil {
		return fmt.Errorf("fix mapping link: %w", err)
	}
	target, err := b.target(l)
	if err != nil {
		return fmt.Errorf("fix mapping link %s: %w", l, err)
	}
	p := b.linkPath(l)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("fix mapping link mkdir: %w", err)
	}
	if fi, err := os.Lstat(p); err == nil && fi.IsDir() {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("fix mapping link %s: %w", l, err)
		}
	}
	if err := renameio.Symlink(target, p); err != nil {
		return fmt.Errorf("fix mapping link %s: %w", l, err)
	}
	b.log.WithField("link", l.String()).Info("repaired mapping link")
	return nil
}

// RemoveLink deletes a link and any shard directories it leaves empty.
func (b *SymlinkBackend) RemoveLink(l Link) error {
	if err := validLink(l); err != nil {
		return fmt.Errorf("remove mapping link: %w", err)
	}
	p := b.linkPath(l)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove mapping link %s: %w", l, err)
	}
	dir := filepath.Dir(p)
	stop := filepath.Join(b.root, l.Source, string(l.Key))
	for dir != stop && strings.HasPrefix(dir, stop) {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// validLink rejects links whose fields would not name a path inside the
// source's directory.
func validLink(l Link) error {
	if err := ValidateSource(l.Source); err != nil {
		return err
	}
	if l.Key != KeyBuilder && l.Key != KeyResult {
		return fmt.Errorf("unknown mapping key %q", l.Key)
	}
	if !l.Hash.Valid() || !l.Mapping.Valid() {
		return fmt.Errorf("mapping link %s has a malformed hash", l)
	}
	return nil
}

func (b *SymlinkBackend) Close() error { return nil }
