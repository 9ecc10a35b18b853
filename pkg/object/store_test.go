package object

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashBytesDeterminism(t *testing.T) {
	data := []byte("hello world")
	h1 := HashBytes(data)
	h2 := HashBytes(data)
	if h1 != h2 {
		t.Errorf("HashBytes not deterministic: %q != %q", h1, h2)
	}
	if len(h1) != HashSize {
		t.Errorf("Hash length: got %d, want %d", len(h1), HashSize)
	}
}

func TestHashObjectEnvelope(t *testing.T) {
	data := []byte("hello")
	h1 := HashObject("blob", data)
	if h1 == HashBytes(data) {
		t.Error("HashObject should differ from HashBytes due to envelope")
	}
	if h1 != HashObject("blob", data) {
		t.Error("HashObject not deterministic")
	}
	if h1 == HashObject("blob+x", data) {
		t.Error("executable blob should not share a hash with a regular blob")
	}
	if h1 == HashObject("blob+l", data) {
		t.Error("symlink blob should not share a hash with a regular blob")
	}
}

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "objects"))
}

func TestStorePutGet(t *testing.T) {
	s := tempStore(t)
	data := []byte("hello world")
	h, err := s.Put(KindBlob, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !h.Valid() {
		t.Fatalf("Put returned invalid hash %q", h)
	}
	got, err := s.Get(h, KindBlob)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Data: got %q, want %q", got, data)
	}
	if !s.Exists(h, KindBlob) {
		t.Error("Exists should be true after Put")
	}
	if s.Exists(h, KindTree) {
		t.Error("Exists should be false for a different kind")
	}
}

func TestStoreFanoutLayout(t *testing.T) {
	s := tempStore(t)
	h, err := s.Put(KindBlob, []byte("fanout test"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := filepath.Join(s.Dir(), string(h[:2]), string(h[2:])+".blob")
	if s.Path(h, KindBlob) != want {
		t.Errorf("Path: got %q, want %q", s.Path(h, KindBlob), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected object file at %s: %v", want, err)
	}
}

func TestStoreDuplicatePutSingleFile(t *testing.T) {
	s := tempStore(t)
	data := []byte("foo.txt contents\n")
	h1, err := s.Put(KindBlob, data)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	h2, err := s.PutBlob(data, BlobRegular)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("duplicate content produced different hashes: %s vs %s", h1, h2)
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path(h1, KindBlob)))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected exactly one file in shard, got %v", names)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := tempStore(t)
	_, err := s.Get(HashBytes([]byte("nope")), KindTree)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestStoreMalformedHash(t *testing.T) {
	s := tempStore(t)
	for _, h := range []Hash{"", "a", "../../etc/passwd", Hash(strings.Repeat("g", HashSize))} {
		p := s.Path(h, KindBlob)
		if !strings.HasPrefix(p, s.Dir()+string(filepath.Separator)) {
			t.Errorf("Path(%q) = %s, outside the objects directory", h, p)
		}
		if s.Exists(h, KindBlob) {
			t.Errorf("Exists(%q) = true", h)
		}
		if _, err := s.Size(h, KindBlob); !errors.Is(err, ErrNotFound) {
			t.Errorf("Size(%q): got %v, want ErrNotFound", h, err)
		}
		if err := s.Remove(h, KindBlob); !errors.Is(err, ErrNotFound) {
			t.Errorf("Remove(%q): got %v, want ErrNotFound", h, err)
		}
	}
}

func TestStoreBlobModes(t *testing.T) {
	s := tempStore(t)
	data := []byte("#!/bin/sh\necho hi\n")
	for _, mode := range []BlobMode{BlobRegular, BlobExecutable, BlobSymlink} {
		h, err := s.PutBlob(data, mode)
		if err != nil {
			t.Fatalf("PutBlob(%s): %v", mode, err)
		}
		b, err := s.ReadBlob(h)
		if err != nil {
			t.Fatalf("ReadBlob(%s): %v", mode, err)
		}
		if b.Mode != mode {
			t.Errorf("mode: got %s, want %s", b.Mode, mode)
		}
		if !bytes.Equal(b.Data, data) {
			t.Errorf("data mismatch for %s", mode)
		}
		info, err := os.Stat(s.Path(h, KindBlob))
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		wantPerm := os.FileMode(0o444)
		if mode == BlobExecutable {
			wantPerm = 0o555
		}
		if info.Mode().Perm() != wantPerm {
			t.Errorf("perm for %s: got %o, want %o", mode, info.Mode().Perm(), wantPerm)
		}
	}
}

func TestStorePutBlobFrom(t *testing.T) {
	s := tempStore(t)
	data := []byte(strings.Repeat("streamed ", 1024))
	h, err := s.PutBlobFrom(bytes.NewReader(data), int64(len(data)), BlobExecutable)
	if err != nil {
		t.Fatalf("PutBlobFrom: %v", err)
	}
	if want := HashObject("blob+x", data); h != want {
		t.Fatalf("hash: got %s, want %s", h, want)
	}
	b, err := s.ReadBlob(h)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if b.Mode != BlobExecutable {
		t.Errorf("mode: got %s, want executable", b.Mode)
	}

	if _, err := s.PutBlobFrom(bytes.NewReader(data[:10]), int64(len(data)), BlobRegular); err == nil {
		t.Fatal("expected short read error")
	}
	leftovers, _ := filepath.Glob(filepath.Join(s.Dir(), ".tmp-blob-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestStoreCorruptionDetected(t *testing.T) {
	s := tempStore(t)
	h, err := s.Put(KindBlob, []byte("original"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := s.Path(h, KindBlob)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	_, err = s.Get(h, KindBlob)
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("Get: got %v, want ErrCorruption", err)
	}
	if !strings.Contains(err.Error(), string(h)) {
		t.Errorf("error should name the hash: %v", err)
	}

	unchecked := NewStore(s.Dir(), WithVerifyReads(false))
	if _, err := unchecked.Get(h, KindBlob); err != nil {
		t.Errorf("Get without verification: %v", err)
	}
	if _, err := s.Verify(); !errors.Is(err, ErrCorruption) {
		t.Errorf("Verify: got %v, want ErrCorruption", err)
	}
}

func TestStoreListAndRemove(t *testing.T) {
	s := tempStore(t)
	blob, err := s.Put(KindBlob, []byte("a"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	tree, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{{Name: "a", Kind: EntryFile, Hash: blob}}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	refs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("List: got %d refs, want 2: %v", len(refs), refs)
	}
	summary, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Objects != 2 || summary.ByKind[KindTree] != 1 {
		t.Errorf("Verify summary: %+v", summary)
	}

	if err := s.Remove(tree, KindTree); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Exists(tree, KindTree) {
		t.Error("tree should be gone after Remove")
	}
	if err := s.Remove(tree, KindTree); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove: got %v, want ErrNotFound", err)
	}
}

func TestStoreTypedRoundTrip(t *testing.T) {
	s := tempStore(t)
	blob, err := s.Put(KindBlob, []byte("src"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	tree, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{{Name: "main.c", Kind: EntryFile, Hash: blob}}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	pkg, err := s.WritePackage(&PackageObj{Name: "hello", Platform: "x86_64-linux-gnu", Tree: tree})
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	bld, err := s.WriteBuilder(&BuilderObj{
		Name:     "hello",
		Platform: "x86_64-linux-gnu",
		Sources:  map[string]Hash{"main.c": blob},
		Env:      map[string]string{"CC": "cc"},
		Command:  []string{"sh", "-c", "cc -o $out/hello $src/main.c"},
	})
	if err != nil {
		t.Fatalf("WriteBuilder: %v", err)
	}
	m, err := s.WriteMapping(&MappingObj{Builder: bld, Result: pkg, Metadata: MappingMetadata{DurationNanos: 5, Timestamp: 7}})
	if err != nil {
		t.Fatalf("WriteMapping: %v", err)
	}

	gotPkg, err := s.ReadPackage(pkg)
	if err != nil {
		t.Fatalf("ReadPackage: %v", err)
	}
	if gotPkg.Name != "hello" || gotPkg.Tree != tree {
		t.Errorf("ReadPackage: %+v", gotPkg)
	}
	gotBld, err := s.ReadBuilder(bld)
	if err != nil {
		t.Fatalf("ReadBuilder: %v", err)
	}
	if gotBld.Sources["main.c"] != blob || gotBld.Env["CC"] != "cc" || len(gotBld.Command) != 3 {
		t.Errorf("ReadBuilder: %+v", gotBld)
	}
	gotMap, err := s.ReadMapping(m)
	if err != nil {
		t.Fatalf("ReadMapping: %v", err)
	}
	if gotMap.Builder != bld || gotMap.Result != pkg || gotMap.Metadata.Timestamp != 7 {
		t.Errorf("ReadMapping: %+v", gotMap)
	}
}

func TestReachableSetAndClosure(t *testing.T) {
	s := tempStore(t)
	blob, _ := s.Put(KindBlob, []byte("lib"))
	sub, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{{Name: "libz.so", Kind: EntryFile, Hash: blob}}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	root, err := s.WriteTree(&TreeObj{Entries: []TreeEntry{{Name: "lib", Kind: EntryTree, Hash: sub}}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	dep, err := s.WritePackage(&PackageObj{Name: "zlib", Platform: "x86_64-linux-gnu", Tree: root})
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	top, err := s.WritePackage(&PackageObj{Name: "app", Platform: "x86_64-linux-gnu", References: []Hash{dep}, Tree: root})
	if err != nil {
		t.Fatalf("WritePackage: %v", err)
	}
	orphan, _ := s.Put(KindBlob, []byte("orphan"))

	live, err := s.ReachableSet([]Ref{{Hash: top, Kind: KindPackage}})
	if err != nil {
		t.Fatalf("ReachableSet: %v", err)
	}
	for _, want := range []Ref{{top, KindPackage}, {dep, KindPackage}, {root, KindTree}, {sub, KindTree}, {blob, KindBlob}} {
		if _, ok := live[want]; !ok {
			t.Errorf("ReachableSet missing %s", want)
		}
	}
	if _, ok := live[Ref{orphan, KindBlob}]; ok {
		t.Error("orphan blob should not be reachable")
	}

	closure, err := s.Closure([]Ref{{Hash: top, Kind: KindPackage}})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(closure) != 5 {
		t.Fatalf("Closure: got %d refs, want 5: %v", len(closure), closure)
	}
	pos := make(map[Ref]int)
	for i, r := range closure {
		pos[r] = i
	}
	if pos[Ref{blob, KindBlob}] > pos[Ref{sub, KindTree}] {
		t.Error("blob should precede the trees")
	}
	if pos[Ref{sub, KindTree}] > pos[Ref{root, KindTree}] {
		t.Error("subtree should precede its parent")
	}
	if pos[Ref{dep, KindPackage}] > pos[Ref{top, KindPackage}] {
		t.Error("referenced package should precede the referencing package")
	}

	if err := s.Remove(sub, KindTree); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Closure([]Ref{{Hash: top, Kind: KindPackage}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Closure with missing object: got %v, want ErrNotFound", err)
	}
}
