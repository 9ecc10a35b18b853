package build

import (
	"bytes"
	"fmt"
	"strings"
)

// Rewriter replaces absolute references to a build-time path inside a file
// with the path the content will have once installed.
type Rewriter interface {
	RewriteSelfReferences(data []byte, old, hint string) ([]byte, error)
}

// TextRewriter substitutes the path wherever it occurs.
type TextRewriter struct{}

func (TextRewriter) RewriteSelfReferences(data []byte, old, hint string) ([]byte, error) {
	return bytes.ReplaceAll(data, []byte(old), []byte(hint)), nil
}

// NoopRewriter leaves content untouched.
type NoopRewriter struct{}

func (NoopRewriter) RewriteSelfReferences(data []byte, _, _ string) ([]byte, error) {
	return data, nil
}

// sameLengthRewriter patches binaries whose layout must not change: the
// hint is padded with extra path separators to the length of the old path.
// Files without one of the magic prefixes go to the text rewriter.
type sameLengthRewriter struct {
	format string
	magics [][]byte
}

func (r sameLengthRewriter) matches(data []byte) bool {
	for _, m := range r.magics {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}

func (r sameLengthRewriter) RewriteSelfReferences(data []byte, old, hint string) ([]byte, error) {
	if !r.matches(data) {
		return TextRewriter{}.RewriteSelfReferences(data, old, hint)
	}
	padded, err := padPath(hint, len(old))
	if err != nil {
		return nil, fmt.Errorf("%s rewrite: %w", r.format, err)
	}
	return bytes.ReplaceAll(data, []byte(old), []byte(padded)), nil
}

// ELFRewriter rewrites ELF objects in place without changing their size.
func ELFRewriter() Rewriter {
	return sameLengthRewriter{format: "elf", magics: [][]byte{[]byte("\x7fELF")}}
}

// MachORewriter rewrites Mach-O objects (thin or universal) in place without
// changing their size.
func MachORewriter() Rewriter {
	return sameLengthRewriter{format: "mach-o", magics: [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
	}}
}

// ForPlatform selects the rewriter for a GOOS value.
func ForPlatform(goos string) Rewriter {
	switch goos {
	case "linux", "freebsd", "netbsd", "openbsd":
		return ELFRewriter()
	case "darwin", "ios":
		return MachORewriter()
	default:
		return TextRewriter{}
	}
}

// RewriterByName maps a configuration value to a Rewriter.
func RewriterByName(name, goos string) (Rewriter, error) {
	switch name {
	case "", "auto":
		return ForPlatform(goos), nil
	case "text":
		return TextRewriter{}, nil
	case "none":
		return NoopRewriter{}, nil
	}
	return nil, fmt.Errorf("unknown rewriter %q", name)
}

// padPath lengthens p to n bytes by repeating its last separator.
func padPath(p string, n int) (string, error) {
	if len(p) > n {
		return "", fmt.Errorf("path %q is longer than the %d bytes available", p, n)
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", fmt.Errorf("path %q has no separator to pad", p)
	}
	return p[:i] + strings.Repeat("/", n-len(p)) + p[i:], nil
}
