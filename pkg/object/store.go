package object

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
)

const (
	permObject     = 0o444
	permExecutable = 0o555
)

// Store is a content-addressed object store with a 2-character fan-out
// directory layout: <dir>/ab/cdef0123....<ext>. Every unique hash is one
// physical file; the extension records the object kind.
type Store struct {
	dir         string
	verifyReads bool
	log         logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithVerifyReads makes Get re-hash object content and fail with
// ErrCorruption on mismatch. Enabled by default.
func WithVerifyReads(v bool) Option {
	return func(s *Store) { s.verifyReads = v }
}

// WithLogger sets the logger used for write and remove events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore creates a Store rooted at dir. Shard directories are created
// lazily on first write.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		verifyReads: true,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the objects directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the filesystem path for an object. A malformed hash maps to
// a path under the objects directory that no object is ever written to.
func (s *Store) Path(h Hash, kind Kind) string {
	if !h.Valid() {
		return filepath.Join(s.dir, "invalid", hex.EncodeToString([]byte(h))+"."+kind.Ext())
	}
	return filepath.Join(s.dir, string(h[:2]), string(h[2:])+"."+kind.Ext())
}

// Exists reports whether the store contains an object of the given kind.
func (s *Store) Exists(h Hash, kind Kind) bool {
	if !h.Valid() {
		return false
	}
	_, err := os.Lstat(s.Path(h, kind))
	return err == nil
}

// Put stores canonical bytes of the given kind and returns their hash.
// Blobs stored through Put are regular (non-executable) files. Writing an
// object that already exists is a no-op.
func (s *Store) Put(kind Kind, data []byte) (Hash, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("object put: unknown kind %q", kind)
	}
	if kind == KindBlob {
		return s.PutBlob(data, BlobRegular)
	}
	h := HashObject(string(kind), data)
	return h, s.writeObject(h, kind, permObject, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// PutBlob stores file content (or a symlink target) with the given mode.
func (s *Store) PutBlob(data []byte, mode BlobMode) (Hash, error) {
	h := HashObject(mode.tag(), data)
	return h, s.writeObject(h, KindBlob, blobPerm(mode), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// PutBlobFrom streams size bytes from r into the store. The content is
// hashed while it is copied into a temporary file, so large files are never
// held in memory.
func (s *Store) PutBlobFrom(r io.Reader, size int64, mode BlobMode) (Hash, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-blob-*")
	if err != nil {
		return "", fmt.Errorf("object write tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := newEnvelopeHasher(mode.tag(), size)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("object write: %w", err)
	}
	if n != size {
		tmp.Close()
		return "", fmt.Errorf("object write: short read: got %d bytes, want %d", n, size)
	}
	if err := tmp.Chmod(blobPerm(mode)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("object write chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("object write close: %w", err)
	}

	h := sumHex(hasher)
	dest := s.Path(h, KindBlob)
	if s.Exists(h, KindBlob) {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("object write mkdir: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("object write rename %s: %w", h, err)
	}
	s.log.WithFields(logrus.Fields{"hash": h.Short(), "kind": KindBlob, "bytes": size}).Debug("stored object")
	return h, nil
}

// PutBlobFile stores the file at path. Executable permission bits select
// BlobExecutable.
func (s *Store) PutBlobFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("object write: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("object write: %w", err)
	}
	mode := BlobRegular
	if info.Mode()&0o111 != 0 {
		mode = BlobExecutable
	}
	return s.PutBlobFrom(f, info.Size(), mode)
}

// writeObject writes an object atomically: a temporary file in the shard
// directory is filled, chmod'ed and renamed over the final path. If the
// final path already exists the temporary file is discarded.
func (s *Store) writeObject(h Hash, kind Kind, perm os.FileMode, fill func(io.Writer) error) error {
	if s.Exists(h, kind) {
		return nil
	}
	dest := s.Path(h, kind)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("object write mkdir: %w", err)
	}

	pf, err := renameio.TempFile(dir, dest)
	if err != nil {
		return fmt.Errorf("object write tmpfile: %w", err)
	}
	defer pf.Cleanup()

	if err := fill(pf); err != nil {
		return fmt.Errorf("object write %s: %w", h, err)
	}
	if err := pf.Chmod(perm); err != nil {
		return fmt.Errorf("object write chmod %s: %w", h, err)
	}
	if s.Exists(h, kind) {
		return nil
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("object write rename %s: %w", h, err)
	}
	s.log.WithFields(logrus.Fields{"hash": h.Short(), "kind": kind}).Debug("stored object")
	return nil
}

// Get reads the canonical bytes of an object. With read verification
// enabled the bytes are re-hashed and a mismatch fails with ErrCorruption.
func (s *Store) Get(h Hash, kind Kind) ([]byte, error) {
	if !h.Valid() {
		return nil, notFound("object read", h, "", fmt.Errorf("malformed hash"))
	}
	path := s.Path(h, kind)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("object read", h, path, nil)
		}
		return nil, fmt.Errorf("object read %s: %w", h, err)
	}
	if !s.verifyReads {
		return data, nil
	}
	if kind == KindBlob {
		if _, err := s.blobMode(h, path, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	if actual := HashObject(string(kind), data); actual != h {
		return nil, corruption("object read", h, path, "computed "+string(actual))
	}
	return data, nil
}

// ReadBlob reads a blob and recovers its mode from the object file's
// permission bits, confirmed against the hash.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	if !h.Valid() {
		return nil, notFound("blob read", h, "", fmt.Errorf("malformed hash"))
	}
	path := s.Path(h, KindBlob)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("blob read", h, path, nil)
		}
		return nil, fmt.Errorf("blob read %s: %w", h, err)
	}
	mode, err := s.blobMode(h, path, data)
	if err != nil {
		return nil, err
	}
	return &Blob{Data: data, Mode: mode}, nil
}

// blobMode determines which blob mode hashes data to h. Executable objects
// carry execute bits on disk; regular and symlink blobs share 0444 and are
// told apart by the hash.
func (s *Store) blobMode(h Hash, path string, data []byte) (BlobMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("blob stat %s: %w", h, err)
	}
	candidates := []BlobMode{BlobRegular, BlobSymlink}
	if info.Mode()&0o111 != 0 {
		candidates = []BlobMode{BlobExecutable}
	}
	for _, m := range candidates {
		if HashObject(m.tag(), data) == h {
			return m, nil
		}
	}
	return 0, corruption("blob read", h, path, "content does not hash to its path")
}

// Size returns the on-disk size of an object in bytes.
func (s *Store) Size(h Hash, kind Kind) (int64, error) {
	if !h.Valid() {
		return 0, notFound("object stat", h, "", fmt.Errorf("malformed hash"))
	}
	info, err := os.Lstat(s.Path(h, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notFound("object stat", h, s.Path(h, kind), nil)
		}
		return 0, fmt.Errorf("object stat %s: %w", h, err)
	}
	return info.Size(), nil
}

// Remove unlinks an object file. Hard links to it elsewhere (realized
// packages) keep the content alive.
func (s *Store) Remove(h Hash, kind Kind) error {
	if !h.Valid() {
		return notFound("object remove", h, "", fmt.Errorf("malformed hash"))
	}
	path := s.Path(h, kind)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound("object remove", h, path, nil)
		}
		return fmt.Errorf("object remove %s: %w", h, err)
	}
	s.log.WithFields(logrus.Fields{"hash": h.Short(), "kind": kind}).Debug("removed object")
	// Drop the shard directory once it is empty; failure just means other
	// objects remain.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// List returns every object in the store sorted by hash then kind.
// Temporary files and unrecognized names are skipped.
func (s *Store) List() ([]Ref, error) {
	fanoutDirs, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	refs := make([]Ref, 0)
	for _, fanoutDir := range fanoutDirs {
		if !fanoutDir.IsDir() {
			continue
		}
		prefix := fanoutDir.Name()
		if !isHexHashComponent(prefix, 2) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.dir, prefix))
		if err != nil {
			return nil, fmt.Errorf("read objects fanout %s: %w", prefix, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			suffix, ext, ok := strings.Cut(entry.Name(), ".")
			if !ok || !isHexHashComponent(suffix, HashSize-2) {
				continue
			}
			kind := Kind(ext)
			if !kind.Valid() {
				continue
			}
			refs = append(refs, Ref{Hash: Hash(prefix + suffix), Kind: kind})
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Hash != refs[j].Hash {
			return refs[i].Hash < refs[j].Hash
		}
		return refs[i].Kind < refs[j].Kind
	})
	return refs, nil
}

// VerifySummary reports the outcome of Store.Verify.
type VerifySummary struct {
	Objects int
	ByKind  map[Kind]int
}

// Verify re-hashes every object in the store.
func (s *Store) Verify() (*VerifySummary, error) {
	refs, err := s.List()
	if err != nil {
		return nil, err
	}
	report := &VerifySummary{ByKind: make(map[Kind]int)}
	verifying := &Store{dir: s.dir, verifyReads: true, log: s.log}
	for _, ref := range refs {
		if _, err := verifying.Get(ref.Hash, ref.Kind); err != nil {
			return nil, fmt.Errorf("verify %s: %w", ref, err)
		}
		report.Objects++
		report.ByKind[ref.Kind]++
	}
	return report, nil
}

func blobPerm(mode BlobMode) os.FileMode {
	if mode == BlobExecutable {
		return permExecutable
	}
	return permObject
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

// WriteTree serializes and stores a TreeObj.
func (s *Store) WriteTree(tr *TreeObj) (Hash, error) {
	data, err := MarshalTree(tr)
	if err != nil {
		return "", err
	}
	return s.Put(KindTree, data)
}

// ReadTree reads and deserializes a TreeObj.
func (s *Store) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.Get(h, KindTree)
	if err != nil {
		return nil, err
	}
	tr, err := UnmarshalTree(data)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", h, err)
	}
	return tr, nil
}

// WritePackage serializes and stores a PackageObj.
func (s *Store) WritePackage(p *PackageObj) (Hash, error) {
	data, err := MarshalPackage(p)
	if err != nil {
		return "", err
	}
	return s.Put(KindPackage, data)
}

// ReadPackage reads and deserializes a PackageObj.
func (s *Store) ReadPackage(h Hash) (*PackageObj, error) {
	data, err := s.Get(h, KindPackage)
	if err != nil {
		return nil, err
	}
	p, err := UnmarshalPackage(data)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", h, err)
	}
	return p, nil
}

// WriteBuilder serializes and stores a BuilderObj.
func (s *Store) WriteBuilder(b *BuilderObj) (Hash, error) {
	data, err := MarshalBuilder(b)
	if err != nil {
		return "", err
	}
	return s.Put(KindBuilder, data)
}

// ReadBuilder reads and deserializes a BuilderObj.
func (s *Store) ReadBuilder(h Hash) (*BuilderObj, error) {
	data, err := s.Get(h, KindBuilder)
	if err != nil {
		return nil, err
	}
	b, err := UnmarshalBuilder(data)
	if err != nil {
		return nil, fmt.Errorf("builder %s: %w", h, err)
	}
	return b, nil
}

// WriteMapping serializes and stores a MappingObj.
func (s *Store) WriteMapping(m *MappingObj) (Hash, error) {
	data, err := MarshalMapping(m)
	if err != nil {
		return "", err
	}
	return s.Put(KindMapping, data)
}

// ReadMapping reads and deserializes a MappingObj.
func (s *Store) ReadMapping(h Hash) (*MappingObj, error) {
	data, err := s.Get(h, KindMapping)
	if err != nil {
		return nil, err
	}
	m, err := UnmarshalMapping(data)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", h, err)
	}
	return m, nil
}
