package tree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// EntryType classifies a directory entry reported by a Scanner.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeSymlink
	TypeDir
	TypeOther
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	case TypeDir:
		return "dir"
	default:
		return "other"
	}
}

// Entry is one directory entry. Symlinks are reported, never followed.
type Entry struct {
	Name       string
	Type       EntryType
	Executable bool
	Size       int64
	LinkTarget string
}

// Scanner lists directories and opens files. The tree builder only sees the
// filesystem through this interface.
type Scanner interface {
	ReadDir(dir string) ([]Entry, error)
	Open(path string) (io.ReadCloser, error)
}

// OSScanner scans the local filesystem.
type OSScanner struct{}

func (OSScanner) ReadDir(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		p := filepath.Join(dir, de.Name())
		info, err := os.Lstat(p)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
		e := Entry{Name: de.Name(), Size: info.Size()}
		switch mode := info.Mode(); {
		case mode.IsRegular():
			e.Type = TypeFile
			e.Executable = mode&0o111 != 0
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", p, err)
			}
			e.Type = TypeSymlink
			e.LinkTarget = target
		case mode.IsDir():
			e.Type = TypeDir
		default:
			e.Type = TypeOther
		}
		out = append(out, e)
	}
	return out, nil
}

func (OSScanner) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}
