package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/strata/pkg/config"
)

// Init creates a new store at path: the objects, packages, mappings, pins
// and build directories plus a default strata.toml. If cfg is nil the
// defaults are used. Returns an error if a strata.toml already exists.
func Init(path string, cfg *config.Config, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("init: abs path: %w", err)
	}
	cfgPath := ConfigPath(abs)

	// Fail if the store already exists.
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, fmt.Errorf("init: store already exists at %s", abs)
	}

	if cfg == nil {
		cfg = config.Default(abs)
	}
	cfg.Roots.Store = abs
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	dirs := []string{
		cfg.ObjectsDir(),
		cfg.PackagesDir(),
		cfg.MappingsDir(),
		cfg.WorkDir(),
		filepath.Join(abs, pinsDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	// The store root is implied by the file's location.
	onDisk := *cfg
	onDisk.Roots.Store = ""
	if err := config.Write(cfgPath, &onDisk); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return openWithConfig(abs, cfg, opts)
}
