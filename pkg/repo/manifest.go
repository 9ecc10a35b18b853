package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/shlex"
	"github.com/odvcencio/strata/pkg/object"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML form of a Builder. Dependencies name builders by
// hash or unique prefix; sources map file names inside src/ to paths
// relative to the manifest.
//
//	name: hello
//	dependencies: [3f2a91c0]
//	sources:
//	  hello.c: ./hello.c
//	env:
//	  PATH: /usr/bin:/bin
//	command: sh -c 'cc -o "$out/bin/hello" hello.c'
type Manifest struct {
	Name              string            `yaml:"name"`
	Platform          string            `yaml:"platform"`
	Dependencies      []string          `yaml:"dependencies"`
	BuildDependencies []string          `yaml:"build-dependencies"`
	Sources           map[string]string `yaml:"sources"`
	Env               map[string]string `yaml:"env"`
	Command           Command           `yaml:"command"`
}

// Command is an argv. In YAML it is either a list or a single string split
// with shell quoting rules.
type Command []string

// UnmarshalYAML accepts both the string and the list form.
// String form: command: make PREFIX="$out" install
// List form:   command: [make, install]
func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parts, err := shlex.Split(value.Value)
		if err != nil {
			return fmt.Errorf("command %q: %w", value.Value, err)
		}
		*c = parts
		return nil
	}
	var args []string
	if err := value.Decode(&args); err != nil {
		return err
	}
	*c = args
	return nil
}

// LoadManifest reads a manifest file. Unknown fields are rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("read manifest %s: name is required", path)
	}
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("read manifest %s: command is required", path)
	}
	return &m, nil
}

// AddBuilder stores the sources named by m and then the Builder itself.
// Relative source paths are resolved against baseDir.
func (r *Repo) AddBuilder(m *Manifest, baseDir string) (object.Hash, error) {
	platform := m.Platform
	if platform == "" {
		platform = object.HostPlatform()
	}
	deps, err := r.resolveBuilders(m.Dependencies)
	if err != nil {
		return "", fmt.Errorf("builder %s: %w", m.Name, err)
	}
	buildDeps, err := r.resolveBuilders(m.BuildDependencies)
	if err != nil {
		return "", fmt.Errorf("builder %s: %w", m.Name, err)
	}

	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make(map[string]object.Hash, len(m.Sources))
	for _, name := range names {
		p := m.Sources[name]
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		h, err := r.putSource(p)
		if err != nil {
			return "", fmt.Errorf("builder %s: source %s: %w", m.Name, name, err)
		}
		sources[name] = h
	}

	h, err := r.Store.WriteBuilder(&object.BuilderObj{
		Name:              m.Name,
		Platform:          platform,
		Dependencies:      deps,
		BuildDependencies: buildDeps,
		Sources:           sources,
		Env:               m.Env,
		Command:           m.Command,
	})
	if err != nil {
		return "", fmt.Errorf("builder %s: %w", m.Name, err)
	}
	r.Log.WithField("builder", h.Short()).WithField("name", m.Name).Info("added builder")
	return h, nil
}

func (r *Repo) resolveBuilders(args []string) ([]object.Hash, error) {
	out := make([]object.Hash, 0, len(args))
	for _, a := range args {
		ref, err := r.ResolveObject(a, object.KindBuilder)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", a, err)
		}
		out = append(out, ref.Hash)
	}
	return out, nil
}

// putSource stores a regular file, executable or symlink.
func (r *Repo) putSource(p string) (object.Hash, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return "", err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return "", err
		}
		return r.Store.PutBlob([]byte(target), object.BlobSymlink)
	case info.Mode().IsRegular():
		return r.Store.PutBlobFile(p)
	}
	return "", fmt.Errorf("%s is not a regular file or symlink", p)
}
