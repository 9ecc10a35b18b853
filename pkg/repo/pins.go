package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/strata/pkg/object"
)

// pinsDir holds one file per pin, named after the pin and containing the
// pinned package hash.
const pinsDir = "pins"

var ErrPinCASMismatch = errors.New("pin compare-and-swap mismatch")

const (
	pinLockRetryDelay = 5 * time.Millisecond
	pinLockWaitLimit  = 2 * time.Second
)

// ValidatePinName accepts the same names as packages, except for names
// ending in the lock file suffix.
func ValidatePinName(name string) error {
	if err := object.ValidatePackageName(name); err != nil {
		return fmt.Errorf("pin name: %w", err)
	}
	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("pin name %q cannot end in .lock", name)
	}
	return nil
}

func (r *Repo) pinPath(name string) string {
	return filepath.Join(r.Root, pinsDir, name)
}

// Pin points name at package h, keeping it alive through garbage
// collection. If expectedOld is given the update only succeeds when the pin
// currently holds that hash; the empty hash means "not pinned yet".
func (r *Repo) Pin(name string, h object.Hash, expectedOld ...object.Hash) error {
	if len(expectedOld) > 1 {
		return fmt.Errorf("pin %q: expected at most one old hash", name)
	}
	if err := ValidatePinName(name); err != nil {
		return err
	}
	if !r.Store.Exists(h, object.KindPackage) {
		return &object.Error{Kind: object.ErrNotFound, Op: "pin", Hash: h, Msg: "package not in store"}
	}

	pinPath := r.pinPath(name)
	if err := os.MkdirAll(filepath.Dir(pinPath), 0o755); err != nil {
		return fmt.Errorf("pin %q: mkdir: %w", name, err)
	}

	lockPath := pinPath + ".lock"
	lockFile, err := acquirePinLock(lockPath)
	if err != nil {
		return fmt.Errorf("pin %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lockFile != nil {
			_ = lockFile.Close()
		}
		if cleanupLock {
			_ = os.Remove(lockPath)
		}
	}()

	oldHash, err := readPinHash(pinPath)
	if err != nil {
		return fmt.Errorf("pin %q: read old hash: %w", name, err)
	}
	if len(expectedOld) == 1 && oldHash != expectedOld[0] {
		return fmt.Errorf("pin %q: %w (expected %q, found %q)", name, ErrPinCASMismatch, expectedOld[0], oldHash)
	}

	if _, err := lockFile.WriteString(string(h) + "\n"); err != nil {
		return fmt.Errorf("pin %q: write: %w", name, err)
	}
	if err := lockFile.Sync(); err != nil {
		return fmt.Errorf("pin %q: sync: %w", name, err)
	}
	if err := lockFile.Close(); err != nil {
		lockFile = nil
		return fmt.Errorf("pin %q: close: %w", name, err)
	}
	lockFile = nil

	if err := os.Rename(lockPath, pinPath); err != nil {
		return fmt.Errorf("pin %q: rename: %w", name, err)
	}
	cleanupLock = false
	r.Log.WithField("pin", name).WithField("package", h.Short()).Debug("updated pin")
	return nil
}

// Unpin removes a pin. Removing a pin that does not exist is an error.
func (r *Repo) Unpin(name string) error {
	if err := ValidatePinName(name); err != nil {
		return err
	}
	if err := os.Remove(r.pinPath(name)); err != nil {
		if os.IsNotExist(err) {
			return &object.Error{Kind: object.ErrNotFound, Op: "unpin", Path: r.pinPath(name), Msg: "no such pin"}
		}
		return fmt.Errorf("unpin %q: %w", name, err)
	}
	return nil
}

// ResolvePin returns the package a pin names.
func (r *Repo) ResolvePin(name string) (object.Hash, error) {
	if err := ValidatePinName(name); err != nil {
		return "", err
	}
	h, err := readPinHash(r.pinPath(name))
	if err != nil {
		return "", fmt.Errorf("resolve pin %q: %w", name, err)
	}
	if h == "" {
		return "", &object.Error{Kind: object.ErrNotFound, Op: "resolve pin", Path: r.pinPath(name), Msg: "no such pin"}
	}
	return h, nil
}

// ListPins returns every pin by name.
func (r *Repo) ListPins() (map[string]object.Hash, error) {
	entries, err := os.ReadDir(filepath.Join(r.Root, pinsDir))
	pins := make(map[string]object.Hash)
	if os.IsNotExist(err) {
		return pins, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || ValidatePinName(e.Name()) != nil {
			continue
		}
		h, err := readPinHash(r.pinPath(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("list pins: %w", err)
		}
		if h != "" {
			pins[e.Name()] = h
		}
	}
	return pins, nil
}

// PinNames returns the pin names in sorted order.
func PinNames(pins map[string]object.Hash) []string {
	names := make([]string, 0, len(pins))
	for n := range pins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func acquirePinLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(pinLockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(pinLockRetryDelay)
			continue
		}
		return nil, err
	}
}

func readPinHash(pinPath string) (object.Hash, error) {
	data, err := os.ReadFile(pinPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	h, err := object.ParseHash(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("%s: %w", pinPath, err)
	}
	return h, nil
}
