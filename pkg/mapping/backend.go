// Package mapping indexes Mapping objects by builder hash and by result hash,
// partitioned by trust source.
package mapping

import (
	"fmt"
	"strings"

	"github.com/odvcencio/strata/pkg/object"
)

// LocalSource is the source builds on this machine are recorded under.
const LocalSource = "localhost"

// Key selects one side of the two-key index.
type Key string

const (
	KeyBuilder Key = "builder"
	KeyResult  Key = "result"
)

// Entry is one recorded mapping as the index sees it.
type Entry struct {
	Builder object.Hash
	Result  object.Hash
	Mapping object.Hash
}

// Link is a single index record: Hash (a builder or result hash, per Key)
// points at Mapping. Broken is set when the record exists but does not
// resolve to the mapping object it is named after.
type Link struct {
	Source  string
	Key     Key
	Hash    object.Hash
	Mapping object.Hash
	Broken  bool
}

func (l Link) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", l.Source, l.Key, l.Hash.Short(), l.Mapping.Short())
}

// Backend stores the builder and result links for every mapping. Put must
// be idempotent: storing an identical entry again succeeds, and an existing
// link that disagrees fails with ErrMappingConflict. Lookups return
// possibly-empty sets.
type Backend interface {
	Put(source string, e Entry) error
	ByBuilder(source string, builder object.Hash) ([]object.Hash, error)
	ByResult(source string, result object.Hash) ([]object.Hash, error)
	Sources() ([]string, error)
	Links(source string) ([]Link, error)
	FixLink(l Link) error
	RemoveLink(l Link) error
	Close() error
}

// ValidateSource checks that a source name is usable as a single path
// component.
func ValidateSource(source string) error {
	switch {
	case source == "":
		return fmt.Errorf("mapping source cannot be empty")
	case strings.HasPrefix(source, "."):
		return fmt.Errorf("mapping source %q cannot start with '.'", source)
	case strings.ContainsAny(source, "/\\\x00"):
		return fmt.Errorf("mapping source %q contains a path separator", source)
	}
	return nil
}

func conflict(source string, l Link, msg string) error {
	return &object.Error{
		Kind: object.ErrMappingConflict,
		Op:   "record mapping " + source,
		Hash: l.Mapping,
		Msg:  fmt.Sprintf("%s link for %s: %s", l.Key, l.Hash, msg),
	}
}
