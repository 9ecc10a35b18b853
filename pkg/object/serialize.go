package object

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// encMode is configured with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length items.
// Nil slices and maps encode as empty containers so that a zero-value field
// and an explicitly empty one hash the same.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("object: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("object: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeCanonical encodes v with the store's deterministic CBOR settings.
func EncodeCanonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeCanonical decodes CBOR produced by EncodeCanonical.
func DecodeCanonical(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// MarshalTree serializes a TreeObj as a CBOR array of [name, kind, hash]
// triples. Entries are sorted by Name so that the encoding does not depend on
// the order in which a scanner discovered them. Duplicate or malformed names
// fail with ErrInvalidTree.
func MarshalTree(tr *TreeObj) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	if err := validateEntries(sorted); err != nil {
		return nil, err
	}
	return encMode.Marshal(sorted)
}

// UnmarshalTree parses a TreeObj and re-checks the ordering invariant.
func UnmarshalTree(data []byte) (*TreeObj, error) {
	var entries []TreeEntry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal tree: %w", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name >= entries[i].Name {
			return nil, invalidTree("entries out of order at %q", entries[i].Name)
		}
	}
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	return &TreeObj{Entries: entries}, nil
}

func validateEntries(sorted []TreeEntry) error {
	for i, e := range sorted {
		if err := ValidateEntryName(e.Name); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return invalidTree("duplicate entry name %q", e.Name)
		}
		switch e.Kind {
		case EntryTree, EntryFile, EntryExecutable, EntrySymlink:
		default:
			return invalidTree("entry %q has unknown kind %q", e.Name, e.Kind)
		}
		if !e.Hash.Valid() {
			return invalidTree("entry %q has invalid hash %q", e.Name, e.Hash)
		}
	}
	return nil
}

// ValidateEntryName rejects names that cannot appear as a single path
// component.
func ValidateEntryName(name string) error {
	switch {
	case name == "":
		return invalidTree("empty entry name")
	case name == "." || name == "..":
		return invalidTree("reserved entry name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return invalidTree("entry name %q contains a separator or NUL", name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// PackageObj
// ---------------------------------------------------------------------------

// MaxPackageNameLen leaves room for "-" and a hash within a 256-byte file
// name.
const MaxPackageNameLen = 256 - 1 - HashSize

// ValidatePackageName checks that name is usable as the prefix of a package
// directory name.
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	if len(name) > MaxPackageNameLen {
		return fmt.Errorf("package name must be at most %d characters", MaxPackageNameLen)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("package name %q cannot start with '.'", name)
	}
	for _, c := range name {
		if !isPackageNameRune(c) {
			return fmt.Errorf("package name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

func isPackageNameRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("+-._?=", c)
}

// ValidatePlatform checks an "arch-os[-env]" platform triple.
func ValidatePlatform(p string) error {
	parts := strings.Split(p, "-")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("platform %q is not of the form arch-os[-env]", p)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("platform %q has an empty component", p)
		}
	}
	return nil
}

// HostPlatform returns the platform triple of the running process.
func HostPlatform() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "386":
		arch = "i686"
	case "arm64":
		arch = "aarch64"
	}
	osName := runtime.GOOS
	if osName == "darwin" {
		return arch + "-darwin"
	}
	return arch + "-" + osName + "-gnu"
}

// MarshalPackage serializes a PackageObj. References are deduplicated and
// sorted.
func MarshalPackage(p *PackageObj) ([]byte, error) {
	if err := ValidatePackageName(p.Name); err != nil {
		return nil, fmt.Errorf("marshal package: %w", err)
	}
	if err := ValidatePlatform(p.Platform); err != nil {
		return nil, fmt.Errorf("marshal package: %w", err)
	}
	if !p.Tree.Valid() {
		return nil, fmt.Errorf("marshal package %s: invalid tree hash %q", p.Name, p.Tree)
	}
	refs, err := canonicalHashes(p.References)
	if err != nil {
		return nil, fmt.Errorf("marshal package %s: references: %w", p.Name, err)
	}
	out := *p
	out.References = refs
	return encMode.Marshal(&out)
}

// UnmarshalPackage parses a PackageObj.
func UnmarshalPackage(data []byte) (*PackageObj, error) {
	var p PackageObj
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal package: %w", err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// BuilderObj
// ---------------------------------------------------------------------------

// MarshalBuilder serializes a BuilderObj. Dependency lists are deduplicated
// and sorted; maps are encoded with sorted keys.
func MarshalBuilder(b *BuilderObj) ([]byte, error) {
	if err := ValidatePackageName(b.Name); err != nil {
		return nil, fmt.Errorf("marshal builder: %w", err)
	}
	if err := ValidatePlatform(b.Platform); err != nil {
		return nil, fmt.Errorf("marshal builder: %w", err)
	}
	if len(b.Command) == 0 {
		return nil, fmt.Errorf("marshal builder %s: command is required", b.Name)
	}
	deps, err := canonicalHashes(b.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("marshal builder %s: dependencies: %w", b.Name, err)
	}
	buildDeps, err := canonicalHashes(b.BuildDependencies)
	if err != nil {
		return nil, fmt.Errorf("marshal builder %s: build dependencies: %w", b.Name, err)
	}
	for name, h := range b.Sources {
		if err := validateSourceName(name); err != nil {
			return nil, fmt.Errorf("marshal builder %s: %w", b.Name, err)
		}
		if !h.Valid() {
			return nil, fmt.Errorf("marshal builder %s: source %q has invalid hash %q", b.Name, name, h)
		}
	}
	out := *b
	out.Dependencies = deps
	out.BuildDependencies = buildDeps
	return encMode.Marshal(&out)
}

// UnmarshalBuilder parses a BuilderObj.
func UnmarshalBuilder(data []byte) (*BuilderObj, error) {
	var b BuilderObj
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal builder: %w", err)
	}
	return &b, nil
}

// validateSourceName accepts slash-separated relative paths that stay inside
// the build's source directory.
func validateSourceName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return fmt.Errorf("source name %q must be a relative path", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("source name %q is not a clean relative path", name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// MappingObj
// ---------------------------------------------------------------------------

// MarshalMapping serializes a MappingObj.
func MarshalMapping(m *MappingObj) ([]byte, error) {
	if !m.Builder.Valid() || !m.Result.Valid() {
		return nil, fmt.Errorf("marshal mapping: invalid builder %q or result %q", m.Builder, m.Result)
	}
	return encMode.Marshal(m)
}

// UnmarshalMapping parses a MappingObj.
func UnmarshalMapping(data []byte) (*MappingObj, error) {
	var m MappingObj
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal mapping: %w", err)
	}
	return &m, nil
}

// canonicalHashes validates, deduplicates and sorts hashes.
func canonicalHashes(in []Hash) ([]Hash, error) {
	out := make([]Hash, 0, len(in))
	seen := make(map[Hash]struct{}, len(in))
	for _, h := range in {
		if !h.Valid() {
			return nil, fmt.Errorf("invalid hash %q", h)
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
