package repo

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/strata/pkg/config"
	"github.com/odvcencio/strata/pkg/mapping"
	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func initStore(t *testing.T, cfg *config.Config) *Repo {
	t.Helper()
	dir := t.TempDir()
	r, err := Init(dir, cfg, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Init(%q): %v", dir, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// Init creates the store layout and a strata.toml.
func TestInit_CreatesStructure(t *testing.T) {
	r := initStore(t, nil)

	for _, d := range []string{"objects", "packages", "mappings", "build", "pins"} {
		assertDir(t, filepath.Join(r.Root, d))
	}
	assertFile(t, filepath.Join(r.Root, config.FileName))

	if r.Store == nil || r.Checkout == nil || r.Index == nil || r.Executor == nil || r.GCer == nil {
		t.Fatal("Init left a component unwired")
	}
	if r.LocalSource() != mapping.LocalSource {
		t.Errorf("LocalSource = %q, want %q", r.LocalSource(), mapping.LocalSource)
	}
}

// Init on an existing store returns an error.
func TestInit_ExistingStore_Error(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, nil, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	r.Close()

	if _, err := Init(dir, nil, Options{Logger: quietLogger()}); err == nil {
		t.Fatal("second Init should fail on existing store, got nil error")
	}
}

// Open outside a store returns an error.
func TestOpen_NoStore_Error(t *testing.T) {
	if _, err := Open(t.TempDir(), Options{Logger: quietLogger()}); err == nil {
		t.Fatal("Open should fail in a directory without strata.toml, got nil error")
	}
}

// Open reads back what Init wrote, including non-default settings.
func TestOpen_ReadsConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Mappings.Backend = "sqlite"
	cfg.Mappings.LocalSource = "ci"
	cfg.Checkout.CrossDevice = "copy"
	r, err := Init(dir, cfg, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.Close()

	r, err = Open(dir, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Config.Mappings.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", r.Config.Mappings.Backend)
	}
	if _, ok := r.Index.Backend().(*mapping.SQLiteBackend); !ok {
		t.Errorf("backend type = %T, want *mapping.SQLiteBackend", r.Index.Backend())
	}
	if r.LocalSource() != "ci" {
		t.Errorf("LocalSource = %q, want ci", r.LocalSource())
	}
	if r.Config.Roots.Store != dir {
		t.Errorf("store root = %q, want %q", r.Config.Roots.Store, dir)
	}
	assertFile(t, filepath.Join(dir, "mappings", "index.db"))
}

func assertDir(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected directory %q to exist: %v", path, err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %q to be a directory", path)
	}
}

func assertFile(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected file %q to exist: %v", path, err)
	}
	if info.IsDir() {
		t.Fatalf("expected %q to be a file, got directory", path)
	}
}
