package build

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
)

// Relocation rewrites a build's raw output so it no longer depends on the
// work directory it was produced in. All paths must be absolute and clean.
//
// FinalDir is the package directory named with the zero hash. The real hash
// is only known after relocation, so self references in files point at that
// name, which is never realized; packages should locate themselves at
// runtime through relative symlinks or their own path.
type Relocation struct {
	WorkDir      string            // the build's work directory
	OutDir       string            // WorkDir/out, the tree being relocated
	DepsDir      string            // WorkDir/deps
	PackagesRoot string            // where packages are realized
	FinalDir     string            // placeholder for where OutDir will live
	Deps         map[string]string // dependency name -> realized package path
	Protected    []string          // store directories no link may point into
	Rewriter     Rewriter
	Log          logrus.FieldLogger
}

// maxLinkHops bounds symlink resolution, as the kernel's ELOOP limit does.
const maxLinkHops = 40

func within(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func escape(path, msg string) error {
	return &object.Error{Kind: object.ErrPathEscape, Op: "relocate", Path: path, Msg: msg}
}

// final maps a path under OutDir to its installed location.
func (r *Relocation) final(p string) string {
	rel, err := filepath.Rel(r.OutDir, p)
	if err != nil || rel == "." {
		return r.FinalDir
	}
	return filepath.Join(r.FinalDir, rel)
}

// Link computes the relocated target of the symlink at linkPath. Targets
// inside the output, the dependencies or the packages root become relative
// to the link's installed location. Absolute targets outside the store are
// kept. Targets in the work directory or a protected store directory, and
// any result that would leave the packages root, fail with ErrPathEscape.
func (r *Relocation) Link(linkPath, target string) (string, error) {
	dir := filepath.Dir(linkPath)
	var abs string
	if filepath.IsAbs(target) {
		abs = filepath.Clean(target)
	} else {
		abs = filepath.Join(dir, target)
	}

	var dest string
	switch {
	case within(abs, r.OutDir):
		dest = r.final(abs)
	case within(abs, r.DepsDir):
		rel, _ := filepath.Rel(r.DepsDir, abs)
		name, rest, _ := strings.Cut(rel, string(filepath.Separator))
		realized, ok := r.Deps[name]
		if !ok || name == "." {
			return "", escape(linkPath, fmt.Sprintf("target %q is not a declared dependency", target))
		}
		dest = filepath.Join(realized, rest)
	case within(abs, r.PackagesRoot):
		dest = abs
	case within(abs, r.WorkDir):
		return "", escape(linkPath, fmt.Sprintf("target %q points into the build directory", target))
	case r.protected(abs):
		return "", escape(linkPath, fmt.Sprintf("target %q points into the store outside the packages root", target))
	case !filepath.IsAbs(target):
		return "", escape(linkPath, fmt.Sprintf("relative target %q leaves the package", target))
	default:
		return target, nil
	}

	from := r.final(dir)
	rel, err := filepath.Rel(from, dest)
	if err != nil {
		return "", escape(linkPath, err.Error())
	}
	if resolved := filepath.Join(from, rel); !within(resolved, r.PackagesRoot) || resolved == r.PackagesRoot {
		return "", escape(linkPath, fmt.Sprintf("target %q resolves to %s", target, resolved))
	}
	return rel, nil
}

func (r *Relocation) protected(p string) bool {
	for _, root := range r.Protected {
		if within(p, root) {
			return true
		}
	}
	return false
}

// Run relocates every symlink and rewrites self references in every file
// under OutDir, then checks that every relative link still resolves inside
// the packages root once installed.
func (r *Relocation) Run() error {
	if err := r.relocateTree(); err != nil {
		return err
	}
	return r.checkLinks()
}

func (r *Relocation) relocateTree() error {
	return filepath.WalkDir(r.OutDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return r.relocateLink(p)
		case d.Type().IsRegular():
			return r.relocateFile(p)
		case d.IsDir():
			return nil
		default:
			return &object.Error{Kind: object.ErrInvalidTree, Op: "relocate", Path: p, Msg: "unsupported file type"}
		}
	})
}

func (r *Relocation) relocateLink(p string) error {
	target, err := os.Readlink(p)
	if err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	newTarget, err := r.Link(p, target)
	if err != nil {
		return err
	}
	if newTarget == target {
		return nil
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	if err := os.Symlink(newTarget, p); err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	r.Log.WithFields(logrus.Fields{"path": p, "from": target, "to": newTarget}).Debug("relocated symlink")
	return nil
}

// checkLinks resolves every relative link through the relocated tree.
// Lexical checks in Link cannot see links chained through other links.
func (r *Relocation) checkLinks() error {
	return filepath.WalkDir(r.OutDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(p)
		if err != nil {
			return fmt.Errorf("relocate %s: %w", p, err)
		}
		if filepath.IsAbs(target) {
			return nil
		}
		resolved, err := r.resolve(filepath.Join(r.final(filepath.Dir(p)), target))
		if err != nil {
			return escape(p, err.Error())
		}
		if !within(resolved, r.PackagesRoot) || resolved == r.PackagesRoot {
			return escape(p, fmt.Sprintf("target %q resolves to %s once installed", target, resolved))
		}
		return nil
	})
}

// onDisk maps an installed path to where it lives during the build.
func (r *Relocation) onDisk(p string) string {
	if rel, err := filepath.Rel(r.FinalDir, p); err == nil && within(p, r.FinalDir) {
		return filepath.Join(r.OutDir, rel)
	}
	return p
}

// resolve follows p, an installed path, through symlinks inside the packages
// root. Components outside the packages root are taken lexically: the walk
// has already left and the caller rejects the result.
func (r *Relocation) resolve(p string) (string, error) {
	resolved := string(filepath.Separator)
	rest := strings.Split(p, string(filepath.Separator))
	hops := 0
	for len(rest) > 0 {
		comp := rest[0]
		rest = rest[1:]
		switch comp {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}
		next := filepath.Join(resolved, comp)
		if !within(next, r.PackagesRoot) {
			resolved = next
			continue
		}
		info, err := os.Lstat(r.onDisk(next))
		if err != nil {
			if os.IsNotExist(err) {
				resolved = next
				continue
			}
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}
		if hops++; hops > maxLinkHops {
			return "", fmt.Errorf("too many levels of symbolic links at %s", next)
		}
		target, err := os.Readlink(r.onDisk(next))
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			resolved = string(filepath.Separator)
		}
		rest = append(strings.Split(target, string(filepath.Separator)), rest...)
	}
	return resolved, nil
}

// replacements lists (old, new) path pairs, longest old path first so that
// a dependency name never matches the prefix of a longer one.
func (r *Relocation) replacements() [][2]string {
	pairs := [][2]string{{r.OutDir, r.FinalDir}}
	for name, realized := range r.Deps {
		pairs = append(pairs, [2]string{filepath.Join(r.DepsDir, name), realized})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if len(pairs[i][0]) != len(pairs[j][0]) {
			return len(pairs[i][0]) > len(pairs[j][0])
		}
		return pairs[i][0] < pairs[j][0]
	})
	return pairs
}

func (r *Relocation) relocateFile(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	workDir := []byte(r.WorkDir)
	if !bytes.Contains(data, workDir) {
		return nil
	}
	out := data
	for _, pair := range r.replacements() {
		if !bytes.Contains(out, []byte(pair[0])) {
			continue
		}
		out, err = r.Rewriter.RewriteSelfReferences(out, pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("relocate %s: %w", p, err)
		}
	}
	if bytes.Contains(out, workDir) {
		return escape(p, "still references the build directory after rewriting")
	}

	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	perm := info.Mode().Perm()
	if perm&0o200 == 0 {
		if err := os.Chmod(p, perm|0o200); err != nil {
			return fmt.Errorf("relocate %s: %w", p, err)
		}
	}
	if err := os.WriteFile(p, out, perm); err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	if err := os.Chmod(p, perm); err != nil {
		return fmt.Errorf("relocate %s: %w", p, err)
	}
	r.Log.WithField("path", p).Debug("rewrote self references")
	return nil
}
