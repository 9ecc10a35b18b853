package tree

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reversedScanner lists entries in reverse OS order.
type reversedScanner struct{ OSScanner }

func (s reversedScanner) ReadDir(dir string) ([]Entry, error) {
	entries, err := s.OSScanner.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// fixedScanner returns the same entries for every directory.
type fixedScanner struct{ entries []Entry }

func (s fixedScanner) ReadDir(string) ([]Entry, error) { return s.entries, nil }
func (s fixedScanner) Open(string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeSample(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "share", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("readme\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("same\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("same\n"), 0o644))
	require.NoError(t, os.Symlink("bin/hello", filepath.Join(root, "run")))
	return root
}

func newStore(t *testing.T) *object.Store {
	t.Helper()
	return object.NewStore(filepath.Join(t.TempDir(), "objects"), object.WithLogger(quietLogger()))
}

func TestBuildTreeKinds(t *testing.T) {
	store := newStore(t)
	root := writeSample(t)

	h, err := NewBuilder(store, nil, quietLogger()).BuildTree(root)
	require.NoError(t, err)

	leaves, err := Flatten(store, h)
	require.NoError(t, err)
	byPath := make(map[string]Leaf)
	for _, l := range leaves {
		byPath[l.Path] = l
	}
	assert.Equal(t, object.EntryExecutable, byPath["bin/hello"].Kind)
	assert.Equal(t, object.EntryFile, byPath["README"].Kind)
	assert.Equal(t, object.EntrySymlink, byPath["run"].Kind)
	assert.Equal(t, byPath["a.txt"].Hash, byPath["b.txt"].Hash, "identical content must share a blob")

	link, err := store.ReadBlob(byPath["run"].Hash)
	require.NoError(t, err)
	assert.Equal(t, "bin/hello", string(link.Data))
	assert.Equal(t, object.BlobSymlink, link.Mode)

	tr, err := store.ReadTree(h)
	require.NoError(t, err)
	var share object.TreeEntry
	for _, e := range tr.Entries {
		if e.Name == "share" {
			share = e
		}
	}
	require.True(t, share.IsDir())
	shareTree, err := store.ReadTree(share.Hash)
	require.NoError(t, err)
	require.Len(t, shareTree.Entries, 1)
	empty, err := store.ReadTree(shareTree.Entries[0].Hash)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
}

func TestBuildTreeOrderIndependent(t *testing.T) {
	store := newStore(t)
	root := writeSample(t)

	h1, err := NewBuilder(store, OSScanner{}, quietLogger()).BuildTree(root)
	require.NoError(t, err)
	h2, err := NewBuilder(store, reversedScanner{}, quietLogger()).BuildTree(root)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestBuildTreeEmptyDirStable(t *testing.T) {
	store := newStore(t)
	b := NewBuilder(store, nil, quietLogger())
	h1, err := b.BuildTree(t.TempDir())
	require.NoError(t, err)
	h2, err := b.BuildTree(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestBuildTreeDuplicateNames(t *testing.T) {
	store := newStore(t)
	scanner := fixedScanner{entries: []Entry{
		{Name: "x", Type: TypeSymlink, LinkTarget: "a"},
		{Name: "x", Type: TypeSymlink, LinkTarget: "b"},
	}}
	_, err := NewBuilder(store, scanner, quietLogger()).BuildTree("/virtual")
	assert.ErrorIs(t, err, object.ErrInvalidTree)
}

func TestBuildTreeUnsupportedType(t *testing.T) {
	store := newStore(t)
	scanner := fixedScanner{entries: []Entry{{Name: "fifo", Type: TypeOther}}}
	_, err := NewBuilder(store, scanner, quietLogger()).BuildTree("/virtual")
	require.ErrorIs(t, err, object.ErrInvalidTree)
	assert.Contains(t, err.Error(), "fifo")
}

func TestAssembleDeduplicatesReferences(t *testing.T) {
	store := newStore(t)
	root, err := NewBuilder(store, nil, quietLogger()).BuildTree(writeSample(t))
	require.NoError(t, err)
	dep, err := Assemble(store, "dep", "x86_64-linux-gnu", nil, root)
	require.NoError(t, err)

	p1, err := Assemble(store, "app", "x86_64-linux-gnu", []object.Hash{dep, dep}, root)
	require.NoError(t, err)
	p2, err := Assemble(store, "app", "x86_64-linux-gnu", []object.Hash{dep}, root)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	pkg, err := store.ReadPackage(p1)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{dep}, pkg.References)
}
