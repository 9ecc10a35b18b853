// Package bundle moves a closure of objects between stores as a single
// compressed stream.
//
// A bundle is an 8-byte magic, one compression byte, and a compressed body.
// The body is a CBOR manifest followed by one CBOR record per object in
// closure order: builders, then content, then packages and mappings. Every
// record is re-hashed on import before it is written.
package bundle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

const (
	magic   = "STRATAB\x00"
	version = 1
)

type manifest struct {
	Version int          `cbor:"1,keyasint"`
	Roots   []object.Ref `cbor:"2,keyasint"`
	Count   int          `cbor:"3,keyasint"`
}

type record struct {
	Kind object.Kind     `cbor:"1,keyasint"`
	Hash object.Hash     `cbor:"2,keyasint"`
	Mode object.BlobMode `cbor:"3,keyasint,omitempty"`
	Data []byte          `cbor:"4,keyasint"`
}

// Summary reports what a bundle carried.
type Summary struct {
	Roots   []object.Ref
	Objects int
	Written int // objects the importing store did not have yet
	Bytes   int64
	ByKind  map[object.Kind]int
}

func newSummary(roots []object.Ref) *Summary {
	return &Summary{Roots: roots, ByKind: make(map[object.Kind]int)}
}

// Export writes the closure of roots to w.
func Export(w io.Writer, store *object.Store, roots []object.Ref, c Compression, log logrus.FieldLogger) (*Summary, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	refs, err := store.Closure(roots)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	if _, err := io.WriteString(w, magic); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if _, err := w.Write([]byte{byte(c)}); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	zw, err := compressWriter(w, c)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	enc := cbor.NewEncoder(zw)

	summary := newSummary(roots)
	if err := enc.Encode(manifest{Version: version, Roots: roots, Count: len(refs)}); err != nil {
		zw.Close()
		return nil, fmt.Errorf("export manifest: %w", err)
	}
	for _, ref := range refs {
		rec := record{Kind: ref.Kind, Hash: ref.Hash}
		if ref.Kind == object.KindBlob {
			blob, err := store.ReadBlob(ref.Hash)
			if err != nil {
				zw.Close()
				return nil, fmt.Errorf("export: %w", err)
			}
			rec.Mode, rec.Data = blob.Mode, blob.Data
		} else {
			rec.Data, err = store.Get(ref.Hash, ref.Kind)
			if err != nil {
				zw.Close()
				return nil, fmt.Errorf("export: %w", err)
			}
		}
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return nil, fmt.Errorf("export %s: %w", ref, err)
		}
		summary.Objects++
		summary.Bytes += int64(len(rec.Data))
		summary.ByKind[ref.Kind]++
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	log.WithFields(logrus.Fields{
		"objects":     summary.Objects,
		"bytes":       summary.Bytes,
		"compression": c,
	}).Info("exported bundle")
	return summary, nil
}

// expectedHash recomputes the hash a record's content is stored under.
func (r record) expectedHash() (object.Hash, error) {
	switch r.Kind {
	case object.KindBlob:
		if r.Mode > object.BlobSymlink {
			return "", fmt.Errorf("unknown blob mode %d", r.Mode)
		}
		return object.HashBlob(r.Data, r.Mode), nil
	case object.KindTree, object.KindPackage, object.KindBuilder, object.KindMapping:
		return object.HashObject(string(r.Kind), r.Data), nil
	}
	return "", fmt.Errorf("unknown object kind %q", r.Kind)
}

// decodes reports whether structured records parse as their kind.
func (r record) decodes() error {
	var err error
	switch r.Kind {
	case object.KindTree:
		_, err = object.UnmarshalTree(r.Data)
	case object.KindPackage:
		_, err = object.UnmarshalPackage(r.Data)
	case object.KindBuilder:
		_, err = object.UnmarshalBuilder(r.Data)
	case object.KindMapping:
		_, err = object.UnmarshalMapping(r.Data)
	}
	return err
}

// Import reads a bundle from r into store. Each record is re-hashed before
// it is written; a mismatch fails the import with ErrCorruption. Objects
// already written stay in the store, where a later collection removes them
// if nothing roots them.
func Import(r io.Reader, store *object.Store, log logrus.FieldLogger) (*Summary, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	br := bufio.NewReader(r)
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("import: read header: %w", err)
	}
	if !bytes.Equal(head[:len(magic)], []byte(magic)) {
		return nil, fmt.Errorf("import: not a strata bundle")
	}
	c := Compression(head[len(magic)])
	zr, err := decompressReader(br, c)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	defer zr.Close()
	dec := cbor.NewDecoder(zr)

	var m manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("import manifest: %w", err)
	}
	if m.Version != version {
		return nil, fmt.Errorf("import: unsupported bundle version %d", m.Version)
	}

	summary := newSummary(m.Roots)
	for i := 0; i < m.Count; i++ {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("import: bundle truncated after %d of %d objects", i, m.Count)
			}
			return nil, fmt.Errorf("import record %d: %w", i, err)
		}
		want, err := rec.expectedHash()
		if err != nil {
			return nil, fmt.Errorf("import record %d: %w", i, err)
		}
		if want != rec.Hash {
			return nil, &object.Error{
				Kind: object.ErrCorruption,
				Op:   "import",
				Hash: rec.Hash,
				Msg:  fmt.Sprintf("%s content hashes to %s", rec.Kind, want),
			}
		}
		if err := rec.decodes(); err != nil {
			return nil, fmt.Errorf("import %s: %w", rec.Hash.Short(), err)
		}
		existed := store.Exists(rec.Hash, rec.Kind)
		if rec.Kind == object.KindBlob {
			_, err = store.PutBlob(rec.Data, rec.Mode)
		} else {
			_, err = store.Put(rec.Kind, rec.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("import: %w", err)
		}
		if !existed {
			summary.Written++
		}
		summary.Objects++
		summary.Bytes += int64(len(rec.Data))
		summary.ByKind[rec.Kind]++
	}

	for _, root := range m.Roots {
		if !store.Exists(root.Hash, root.Kind) {
			return nil, &object.Error{Kind: object.ErrNotFound, Op: "import", Hash: root.Hash, Msg: "bundle root missing from bundle"}
		}
	}
	log.WithFields(logrus.Fields{
		"objects": summary.Objects,
		"written": summary.Written,
		"bytes":   summary.Bytes,
	}).Info("imported bundle")
	return summary, nil
}
