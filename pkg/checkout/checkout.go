// Package checkout realizes Package objects into directories under the
// packages root by hard-linking blobs out of the object store.
package checkout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CrossDevicePolicy selects what happens when a blob cannot be hard-linked
// because the packages root is on another filesystem.
type CrossDevicePolicy string

const (
	CrossDeviceFail CrossDevicePolicy = "fail"
	CrossDeviceCopy CrossDevicePolicy = "copy"
)

// placeholderPrefix marks directories still being populated.
const placeholderPrefix = ".tmp-"

// Options configures an Engine.
type Options struct {
	CrossDevice    CrossDevicePolicy
	VerifyExisting bool
	Logger         logrus.FieldLogger
	// Link creates hard links. Defaults to os.Link.
	Link func(oldname, newname string) error
}

// Engine realizes packages under a packages root.
type Engine struct {
	store *object.Store
	root  string
	opts  Options
	log   logrus.FieldLogger
}

// New returns an Engine linking from store into packagesRoot.
func New(store *object.Store, packagesRoot string, opts Options) *Engine {
	if opts.CrossDevice == "" {
		opts.CrossDevice = CrossDeviceFail
	}
	if opts.Link == nil {
		opts.Link = os.Link
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: store, root: packagesRoot, opts: opts, log: log}
}

// Root returns the packages root.
func (e *Engine) Root() string { return e.root }

// DirName returns the directory name of a realized package.
func DirName(name string, h object.Hash) string {
	return name + "-" + string(h)
}

// ParseDirName splits a realized package directory name into package name
// and hash.
func ParseDirName(dir string) (string, object.Hash, bool) {
	if len(dir) < object.HashSize+2 {
		return "", "", false
	}
	sep := len(dir) - object.HashSize - 1
	if dir[sep] != '-' {
		return "", "", false
	}
	h, err := object.ParseHash(dir[sep+1:])
	if err != nil {
		return "", "", false
	}
	name := dir[:sep]
	if object.ValidatePackageName(name) != nil {
		return "", "", false
	}
	return name, h, true
}

// Path returns where a package is (or would be) realized.
func (e *Engine) Path(name string, h object.Hash) string {
	return filepath.Join(e.root, DirName(name, h))
}

// Realize materializes a package and returns its directory.
//
// Algorithm:
//  1. Read the package and realize its referenced packages first.
//  2. If packages/<name>-<hash> exists, trust it (or verify it when
//     VerifyExisting is set) and return.
//  3. Populate a placeholder packages/.tmp-<uuid> by hard-linking blobs
//     and creating symlinks.
//  4. Rename the placeholder to its final name. If another realizer won the
//     race, discard the placeholder.
func (e *Engine) Realize(h object.Hash) (string, error) {
	return e.realize(h, make(map[object.Hash]bool))
}

func (e *Engine) realize(h object.Hash, visiting map[object.Hash]bool) (string, error) {
	if visiting[h] {
		return "", fmt.Errorf("realize %s: %w", h, object.ErrCycle)
	}
	visiting[h] = true
	defer delete(visiting, h)

	pkg, err := e.store.ReadPackage(h)
	if err != nil {
		return "", fmt.Errorf("realize: %w", err)
	}
	for _, ref := range pkg.References {
		if _, err := e.realize(ref, visiting); err != nil {
			return "", err
		}
	}

	dest := e.Path(pkg.Name, h)
	if _, err := os.Lstat(dest); err == nil {
		if e.opts.VerifyExisting {
			if err := e.verifyPackage(h, pkg, dest); err != nil {
				return "", err
			}
		}
		return dest, nil
	}

	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return "", fmt.Errorf("realize mkdir %s: %w", e.root, err)
	}
	tmp := filepath.Join(e.root, placeholderPrefix+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", fmt.Errorf("realize %s: %w", h, err)
	}
	defer os.RemoveAll(tmp)

	if err := e.populate(tmp, pkg.Tree); err != nil {
		return "", fmt.Errorf("realize %s: %w", h, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		if _, statErr := os.Lstat(dest); statErr == nil {
			e.log.WithFields(logrus.Fields{"package": pkg.Name, "hash": h.Short()}).Debug("package realized concurrently")
			return dest, nil
		}
		return "", fmt.Errorf("realize rename %s: %w", h, err)
	}
	e.log.WithFields(logrus.Fields{"package": pkg.Name, "hash": h.Short(), "path": dest}).Debug("realized package")
	return dest, nil
}

func (e *Engine) populate(dir string, treeHash object.Hash) error {
	tr, err := e.store.ReadTree(treeHash)
	if err != nil {
		return err
	}
	for _, entry := range tr.Entries {
		p := filepath.Join(dir, entry.Name)
		switch entry.Kind {
		case object.EntryTree:
			if err := os.Mkdir(p, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", p, err)
			}
			if err := e.populate(p, entry.Hash); err != nil {
				return err
			}
		case object.EntrySymlink:
			blob, err := e.store.ReadBlob(entry.Hash)
			if err != nil {
				return err
			}
			if err := os.Symlink(string(blob.Data), p); err != nil {
				return fmt.Errorf("symlink %s: %w", p, err)
			}
		default:
			if err := e.linkBlob(entry, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) linkBlob(entry object.TreeEntry, dest string) error {
	src := e.store.Path(entry.Hash, object.KindBlob)
	err := e.opts.Link(src, dest)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if _, statErr := os.Lstat(src); statErr != nil {
			return &object.Error{Kind: object.ErrNotFound, Op: "link", Hash: entry.Hash, Path: src}
		}
		return fmt.Errorf("link %s: %w", dest, err)
	case errors.Is(err, unix.EXDEV):
		if e.opts.CrossDevice != CrossDeviceCopy {
			return &object.Error{Kind: object.ErrCrossDeviceLink, Op: "link", Hash: entry.Hash, Path: dest, Err: err}
		}
		return copyBlob(src, dest, entry.Kind)
	default:
		return fmt.Errorf("link %s: %w", dest, err)
	}
}

func copyBlob(src, dest string, kind object.EntryKind) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()
	perm := os.FileMode(0o444)
	if kind == object.EntryExecutable {
		perm = 0o555
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	if err := out.Chmod(perm); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	return out.Close()
}

// Verify walks a realized package and compares it with its tree. Any
// difference is reported as ErrChecksumMismatch.
func (e *Engine) Verify(h object.Hash) error {
	pkg, err := e.store.ReadPackage(h)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return e.verifyPackage(h, pkg, e.Path(pkg.Name, h))
}

func (e *Engine) verifyPackage(h object.Hash, pkg *object.PackageObj, dir string) error {
	mismatch := func(p, msg string) error {
		return &object.Error{Kind: object.ErrChecksumMismatch, Op: "verify", Hash: h, Path: p, Msg: msg}
	}

	var walk func(dir string, treeHash object.Hash) error
	walk = func(dir string, treeHash object.Hash) error {
		tr, err := e.store.ReadTree(treeHash)
		if err != nil {
			return err
		}
		onDisk, err := os.ReadDir(dir)
		if err != nil {
			return mismatch(dir, err.Error())
		}
		if len(onDisk) != len(tr.Entries) {
			return mismatch(dir, fmt.Sprintf("%d entries on disk, %d in tree", len(onDisk), len(tr.Entries)))
		}
		for i, entry := range tr.Entries {
			p := filepath.Join(dir, entry.Name)
			if onDisk[i].Name() != entry.Name {
				return mismatch(p, "unexpected entry "+onDisk[i].Name())
			}
			info, err := os.Lstat(p)
			if err != nil {
				return mismatch(p, err.Error())
			}
			switch entry.Kind {
			case object.EntryTree:
				if !info.IsDir() {
					return mismatch(p, "expected directory")
				}
				if err := walk(p, entry.Hash); err != nil {
					return err
				}
			case object.EntrySymlink:
				if info.Mode()&fs.ModeSymlink == 0 {
					return mismatch(p, "expected symlink")
				}
				target, err := os.Readlink(p)
				if err != nil {
					return mismatch(p, err.Error())
				}
				if object.HashBlob([]byte(target), object.BlobSymlink) != entry.Hash {
					return mismatch(p, "symlink target differs")
				}
			default:
				if !info.Mode().IsRegular() {
					return mismatch(p, "expected regular file")
				}
				if (info.Mode()&0o111 != 0) != (entry.Kind == object.EntryExecutable) {
					return mismatch(p, "executable bit differs")
				}
				if err := e.verifyFile(p, info, entry); err != nil {
					return mismatch(p, err.Error())
				}
			}
		}
		return nil
	}
	return walk(dir, pkg.Tree)
}

// verifyFile accepts a hard link to the object file without reading it;
// copies are re-hashed.
func (e *Engine) verifyFile(p string, info fs.FileInfo, entry object.TreeEntry) error {
	if objInfo, err := os.Stat(e.store.Path(entry.Hash, object.KindBlob)); err == nil && os.SameFile(info, objInfo) {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if object.HashBlob(data, entry.Kind.BlobMode()) != entry.Hash {
		return errors.New("content differs")
	}
	return nil
}

// Realized describes one directory under the packages root.
type Realized struct {
	Name string
	Hash object.Hash
	Path string
}

// Scan lists realized packages and leftover placeholders under the packages
// root. Entries that match neither naming scheme are ignored.
func (e *Engine) Scan() ([]Realized, []string, error) {
	dirEntries, err := os.ReadDir(e.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("scan packages: %w", err)
	}
	var (
		realized     []Realized
		placeholders []string
	)
	for _, de := range dirEntries {
		p := filepath.Join(e.root, de.Name())
		if strings.HasPrefix(de.Name(), placeholderPrefix) {
			placeholders = append(placeholders, p)
			continue
		}
		name, h, ok := ParseDirName(de.Name())
		if !ok {
			continue
		}
		realized = append(realized, Realized{Name: name, Hash: h, Path: p})
	}
	return realized, placeholders, nil
}

// Remove deletes a realized package directory. Object files are untouched.
func (e *Engine) Remove(path string) error {
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == "." || strings.Contains(rel, string(filepath.Separator)) || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("remove %s: not a packages root entry", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	e.log.WithField("path", path).Debug("removed package directory")
	return nil
}
