package object

import "fmt"

// Hash is a 64-character hex-encoded blake3-256 digest.
type Hash string

// Kind identifies the kind of object stored. Its string form is the file
// extension used under objects/.
type Kind string

const (
	KindBlob    Kind = "blob"
	KindTree    Kind = "tree"
	KindPackage Kind = "pkg"
	KindBuilder Kind = "bld"
	KindMapping Kind = "map"
)

// Kinds lists every object kind in yield order: recipes first, then content,
// then packages and mappings which reference them.
var Kinds = []Kind{KindBuilder, KindBlob, KindTree, KindPackage, KindMapping}

// Ext returns the file extension for objects of kind k.
func (k Kind) Ext() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBlob, KindTree, KindPackage, KindBuilder, KindMapping:
		return true
	}
	return false
}

// ParseKind parses a file extension or kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "blob":
		return KindBlob, nil
	case "tree":
		return KindTree, nil
	case "pkg", "package":
		return KindPackage, nil
	case "bld", "builder":
		return KindBuilder, nil
	case "map", "mapping":
		return KindMapping, nil
	}
	return "", fmt.Errorf("unknown object kind %q", s)
}

// Ref names a stored object: its hash plus the kind that selects its path.
type Ref struct {
	Hash Hash
	Kind Kind
}

func (r Ref) String() string { return string(r.Hash) + "." + r.Kind.Ext() }

// BlobMode distinguishes plain files, executables and symlink targets.
type BlobMode uint8

const (
	BlobRegular BlobMode = iota
	BlobExecutable
	BlobSymlink
)

// tag returns the envelope tag hashed in front of blob content.
func (m BlobMode) tag() string {
	switch m {
	case BlobExecutable:
		return "blob+x"
	case BlobSymlink:
		return "blob+l"
	default:
		return "blob"
	}
}

func (m BlobMode) String() string {
	switch m {
	case BlobExecutable:
		return "executable"
	case BlobSymlink:
		return "symlink"
	default:
		return "regular"
	}
}

// Blob holds a single file's content or a symlink's target text.
type Blob struct {
	Data []byte
	Mode BlobMode
}

// EntryKind tags a tree entry.
type EntryKind string

const (
	EntryTree       EntryKind = "tree"
	EntryFile       EntryKind = "file"
	EntryExecutable EntryKind = "exec"
	EntrySymlink    EntryKind = "link"
)

// BlobMode returns the blob mode implied by a non-tree entry kind.
func (k EntryKind) BlobMode() BlobMode {
	switch k {
	case EntryExecutable:
		return BlobExecutable
	case EntrySymlink:
		return BlobSymlink
	default:
		return BlobRegular
	}
}

// EntryKindForMode is the inverse of EntryKind.BlobMode.
func EntryKindForMode(m BlobMode) EntryKind {
	switch m {
	case BlobExecutable:
		return EntryExecutable
	case BlobSymlink:
		return EntrySymlink
	default:
		return EntryFile
	}
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	_    struct{} `cbor:",toarray"`
	Name string
	Kind EntryKind
	Hash Hash
}

// IsDir reports whether the entry references a subtree.
func (e TreeEntry) IsDir() bool { return e.Kind == EntryTree }

// TreeObj holds a sorted list of tree entries.
type TreeObj struct {
	Entries []TreeEntry // sorted by Name
}

// PackageObj is a realized build output: the unit of checkout.
type PackageObj struct {
	Name       string `cbor:"name"`
	Platform   string `cbor:"platform"`
	References []Hash `cbor:"references"` // direct runtime dependencies, sorted
	Tree       Hash   `cbor:"tree"`
}

// BuilderObj is a reproducible build recipe. Dependencies and build
// dependencies are builder hashes; sources map file names to blob hashes.
type BuilderObj struct {
	Name              string            `cbor:"name"`
	Platform          string            `cbor:"platform"`
	Dependencies      []Hash            `cbor:"dependencies"`
	BuildDependencies []Hash            `cbor:"build-dependencies"`
	Sources           map[string]Hash   `cbor:"sources"`
	Env               map[string]string `cbor:"env"`
	Command           []string          `cbor:"command"`
}

// MappingMetadata records facts about a build that do not affect its result.
type MappingMetadata struct {
	DurationNanos int64 `cbor:"duration"`
	Timestamp     int64 `cbor:"timestamp"` // unix seconds
}

// MappingObj records that a builder produced a result package.
type MappingObj struct {
	Builder  Hash            `cbor:"builder"`
	Result   Hash            `cbor:"result"`
	Metadata MappingMetadata `cbor:"metadata"`
}
