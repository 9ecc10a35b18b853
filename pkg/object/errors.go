package object

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every component of the store. Match them with
// errors.Is; the concrete *Error carries the offending hash or path.
var (
	ErrNotFound         = errors.New("object not found")
	ErrCorruption       = errors.New("object digest mismatch")
	ErrInvalidTree      = errors.New("invalid tree")
	ErrChecksumMismatch = errors.New("checkout does not match package")
	ErrCrossDeviceLink  = errors.New("hard link across filesystems")
	ErrPathEscape       = errors.New("path escapes packages root")
	ErrMappingConflict  = errors.New("mapping conflict")
	ErrBuildFailure     = errors.New("build failed")
)

// Error describes a failed store operation. Kind is one of the Err*
// sentinels above; Hash and Path name the object or file involved.
type Error struct {
	Kind error
	Op   string
	Hash Hash
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Hash != "" {
		fmt.Fprintf(&b, " %s", e.Hash)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	return e != nil && e.Kind != nil && target == e.Kind
}

func notFound(op string, h Hash, path string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Hash: h, Path: path, Err: err}
}

func corruption(op string, h Hash, path, msg string) error {
	return &Error{Kind: ErrCorruption, Op: op, Hash: h, Path: path, Msg: msg}
}

func invalidTree(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTree, Op: "tree", Msg: fmt.Sprintf(format, args...)}
}
