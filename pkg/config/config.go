// Package config loads strata.toml, the store's configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
)

// FileName is the configuration file kept at the store root.
const FileName = "strata.toml"

// Config is the full configuration surface.
type Config struct {
	Roots    Roots    `toml:"roots"`
	Objects  Objects  `toml:"objects"`
	Checkout Checkout `toml:"checkout"`
	Mappings Mappings `toml:"mappings"`
	Build    Build    `toml:"build"`
	GC       GC       `toml:"gc"`
	Log      Log      `toml:"log"`
}

// Roots locates the store. Relative paths are resolved against Store.
type Roots struct {
	Store    string `toml:"store"`
	Objects  string `toml:"objects"`
	Packages string `toml:"packages"`
	Mappings string `toml:"mappings"`
}

type Objects struct {
	VerifyReads bool `toml:"verify_reads"`
}

type Checkout struct {
	CrossDevice    string `toml:"cross_device"` // "fail" or "copy"
	VerifyExisting bool   `toml:"verify_existing"`
}

type Mappings struct {
	Backend     string   `toml:"backend"`  // "symlink" or "sqlite"
	Strategy    string   `toml:"strategy"` // "priority" or "unanimous"
	Sources     []string `toml:"sources"`  // priority order; empty means local first
	LocalSource string   `toml:"local_source"`
}

type Build struct {
	WorkDir  string `toml:"work_dir"`
	Rewriter string `toml:"rewriter"` // "auto", "text" or "none"
}

type GC struct {
	Pins          []string `toml:"pins"`
	PrunePackages bool     `toml:"prune_packages"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Default returns the configuration used when strata.toml is absent.
func Default(root string) *Config {
	return &Config{
		Roots: Roots{
			Store:    root,
			Objects:  "objects",
			Packages: "packages",
			Mappings: "mappings",
		},
		Objects:  Objects{VerifyReads: true},
		Checkout: Checkout{CrossDevice: "fail"},
		Mappings: Mappings{Backend: "symlink", Strategy: "priority", LocalSource: "localhost"},
		Build:    Build{WorkDir: "build", Rewriter: "auto"},
		GC:       GC{PrunePackages: true},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default(root). A missing file yields the
// defaults. Unknown keys are rejected.
func Load(path, root string) (*Config, error) {
	cfg := Default(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("read config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if cfg.Roots.Store == "" {
		cfg.Roots.Store = root
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return cfg, nil
}

// Write atomically stores cfg at path.
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks enumerated values and required fields.
func (c *Config) Validate() error {
	if c.Roots.Store == "" {
		return fmt.Errorf("roots.store is required")
	}
	switch c.Checkout.CrossDevice {
	case "fail", "copy":
	default:
		return fmt.Errorf("checkout.cross_device must be \"fail\" or \"copy\", got %q", c.Checkout.CrossDevice)
	}
	switch c.Mappings.Backend {
	case "symlink", "sqlite":
	default:
		return fmt.Errorf("mappings.backend must be \"symlink\" or \"sqlite\", got %q", c.Mappings.Backend)
	}
	switch c.Mappings.Strategy {
	case "priority", "unanimous":
	default:
		return fmt.Errorf("mappings.strategy must be \"priority\" or \"unanimous\", got %q", c.Mappings.Strategy)
	}
	if c.Mappings.LocalSource == "" {
		return fmt.Errorf("mappings.local_source is required")
	}
	switch c.Build.Rewriter {
	case "auto", "text", "none":
	default:
		return fmt.Errorf("build.rewriter must be \"auto\", \"text\" or \"none\", got %q", c.Build.Rewriter)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Roots.Store, p)
}

// ObjectsDir returns the absolute-or-store-relative objects directory.
func (c *Config) ObjectsDir() string { return c.resolve(c.Roots.Objects) }

// PackagesDir returns the packages root.
func (c *Config) PackagesDir() string { return c.resolve(c.Roots.Packages) }

// MappingsDir returns the mappings root.
func (c *Config) MappingsDir() string { return c.resolve(c.Roots.Mappings) }

// WorkDir returns the root under which build work directories are created.
func (c *Config) WorkDir() string { return c.resolve(c.Build.WorkDir) }

// Logger builds a logger from the log section.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
