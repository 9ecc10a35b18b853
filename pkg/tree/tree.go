package tree

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

// Builder converts directory structures into Blob/Tree objects.
type Builder struct {
	store   *object.Store
	scanner Scanner
	log     logrus.FieldLogger
}

// NewBuilder returns a Builder that writes into store. A nil scanner means
// OSScanner.
func NewBuilder(store *object.Store, scanner Scanner, log logrus.FieldLogger) *Builder {
	if scanner == nil {
		scanner = OSScanner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{store: store, scanner: scanner, log: log}
}

// BuildTree walks root bottom-up, storing every file as a Blob and every
// directory as a Tree, and returns the root tree's hash. Entries are sorted
// by name before encoding, so the hash does not depend on scan order.
func (b *Builder) BuildTree(root string) (object.Hash, error) {
	h, err := b.buildDir(root)
	if err != nil {
		return "", err
	}
	b.log.WithFields(logrus.Fields{"root": root, "tree": h.Short()}).Debug("built tree")
	return h, nil
}

func (b *Builder) buildDir(dir string) (object.Hash, error) {
	scanned, err := b.scanner.ReadDir(dir)
	if err != nil {
		return "", err
	}

	entries := make([]object.TreeEntry, 0, len(scanned))
	for _, e := range scanned {
		p := filepath.Join(dir, e.Name)
		var (
			kind object.EntryKind
			h    object.Hash
		)
		switch e.Type {
		case TypeDir:
			kind = object.EntryTree
			h, err = b.buildDir(p)
		case TypeSymlink:
			kind = object.EntrySymlink
			h, err = b.store.PutBlob([]byte(e.LinkTarget), object.BlobSymlink)
		case TypeFile:
			mode := object.BlobRegular
			if e.Executable {
				mode = object.BlobExecutable
			}
			kind = object.EntryKindForMode(mode)
			h, err = b.putFile(p, e.Size, mode)
		default:
			return "", &object.Error{Kind: object.ErrInvalidTree, Op: "build tree", Path: p, Msg: "unsupported file type"}
		}
		if err != nil {
			return "", err
		}
		entries = append(entries, object.TreeEntry{Name: e.Name, Kind: kind, Hash: h})
	}

	h, err := b.store.WriteTree(&object.TreeObj{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("build tree %s: %w", dir, err)
	}
	return h, nil
}

func (b *Builder) putFile(p string, size int64, mode object.BlobMode) (object.Hash, error) {
	rc, err := b.scanner.Open(p)
	if err != nil {
		return "", fmt.Errorf("build tree open %s: %w", p, err)
	}
	defer rc.Close()
	h, err := b.store.PutBlobFrom(rc, size, mode)
	if err != nil {
		return "", fmt.Errorf("build tree %s: %w", p, err)
	}
	return h, nil
}

// Assemble stores a Package for a root tree. References are treated as a
// set; callers supply exactly the references they want recorded.
func Assemble(store *object.Store, name, platform string, refs []object.Hash, root object.Hash) (object.Hash, error) {
	h, err := store.WritePackage(&object.PackageObj{
		Name:       name,
		Platform:   platform,
		References: refs,
		Tree:       root,
	})
	if err != nil {
		return "", fmt.Errorf("assemble %s: %w", name, err)
	}
	return h, nil
}

// Leaf is a non-directory entry of a flattened tree.
type Leaf struct {
	Path string // slash separated, relative to the tree root
	Kind object.EntryKind
	Hash object.Hash
}

// Flatten walks a tree recursively, returning every leaf with its full path.
func Flatten(store *object.Store, h object.Hash) ([]Leaf, error) {
	return flattenRec(store, h, "")
}

func flattenRec(store *object.Store, h object.Hash, prefix string) ([]Leaf, error) {
	tr, err := store.ReadTree(h)
	if err != nil {
		return nil, fmt.Errorf("flatten tree: read %s: %w", h, err)
	}

	var result []Leaf
	for _, entry := range tr.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = path.Join(prefix, entry.Name)
		}
		if entry.IsDir() {
			sub, err := flattenRec(store, entry.Hash, fullPath)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
			continue
		}
		result = append(result, Leaf{Path: fullPath, Kind: entry.Kind, Hash: entry.Hash})
	}
	return result, nil
}
