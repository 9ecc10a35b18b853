package repo

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
)

func addTestPackage(t *testing.T, r *Repo, name, content string) object.Hash {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "share"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "share", "data"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := r.AddPackage(dir, name, "", nil)
	if err != nil {
		t.Fatalf("AddPackage(%s): %v", name, err)
	}
	return h
}

func TestPin_ResolveRoundTrip(t *testing.T) {
	r := initStore(t, nil)
	h := addTestPackage(t, r, "zlib", "one")

	if err := r.Pin("zlib-stable", h); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	got, err := r.ResolvePin("zlib-stable")
	if err != nil {
		t.Fatalf("ResolvePin: %v", err)
	}
	if got != h {
		t.Fatalf("ResolvePin = %s, want %s", got, h)
	}

	pins, err := r.ListPins()
	if err != nil {
		t.Fatalf("ListPins: %v", err)
	}
	if len(pins) != 1 || pins["zlib-stable"] != h {
		t.Fatalf("ListPins = %v, want {zlib-stable: %s}", pins, h)
	}
}

func TestPin_MissingPackage(t *testing.T) {
	r := initStore(t, nil)
	err := r.Pin("ghost", object.HashBlob([]byte("nope"), object.BlobRegular))
	if !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Pin of absent package error = %v, want ErrNotFound", err)
	}
}

func TestPin_InvalidName(t *testing.T) {
	r := initStore(t, nil)
	h := addTestPackage(t, r, "zlib", "one")
	for _, name := range []string{"", "a/b", "x.lock", ".hidden"} {
		if err := r.Pin(name, h); err == nil {
			t.Errorf("Pin(%q) should fail", name)
		}
	}
}

func TestUnpin(t *testing.T) {
	r := initStore(t, nil)
	h := addTestPackage(t, r, "zlib", "one")
	if err := r.Pin("keep", h); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := r.Unpin("keep"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if _, err := r.ResolvePin("keep"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("ResolvePin after Unpin error = %v, want ErrNotFound", err)
	}
	if err := r.Unpin("keep"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("second Unpin error = %v, want ErrNotFound", err)
	}
}

func TestPinCAS_ConcurrentSingleWinner(t *testing.T) {
	r := initStore(t, nil)
	base := addTestPackage(t, r, "app", "base")
	if err := r.Pin("app", base); err != nil {
		t.Fatalf("Pin(base): %v", err)
	}

	const workers = 16
	candidates := make([]object.Hash, workers)
	for i := range candidates {
		candidates[i] = addTestPackage(t, r, "app", string(rune('a'+i)))
	}

	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(next object.Hash) {
			defer wg.Done()
			<-start
			errs <- r.Pin("app", next, base)
		}(candidates[i])
	}
	close(start)
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrPinCASMismatch) {
			t.Fatalf("unexpected Pin error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successful CAS updates = %d, want 1", successes)
	}

	got, err := r.ResolvePin("app")
	if err != nil {
		t.Fatalf("ResolvePin: %v", err)
	}
	found := false
	for _, c := range candidates {
		if got == c {
			found = true
		}
	}
	if !found {
		t.Fatalf("pin %s does not match any candidate", got)
	}
}

func TestPinCAS_MismatchCleansLock(t *testing.T) {
	r := initStore(t, nil)
	a := addTestPackage(t, r, "app", "a")
	b := addTestPackage(t, r, "app", "b")
	if err := r.Pin("app", a); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	err := r.Pin("app", b, b)
	if !errors.Is(err, ErrPinCASMismatch) {
		t.Fatalf("Pin with wrong expected hash error = %v, want ErrPinCASMismatch", err)
	}
	if _, err := os.Stat(r.pinPath("app") + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after mismatch: %v", err)
	}

	// The empty expected hash only matches an absent pin.
	if err := r.Pin("fresh", b, ""); err != nil {
		t.Fatalf("Pin(fresh, expect absent): %v", err)
	}
	if err := r.Pin("fresh", a, ""); !errors.Is(err, ErrPinCASMismatch) {
		t.Fatalf("Pin(fresh) second create error = %v, want ErrPinCASMismatch", err)
	}
}

func TestPinNames_Sorted(t *testing.T) {
	pins := map[string]object.Hash{"b": "", "a": "", "c": ""}
	got := PinNames(pins)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("PinNames = %v, want [a b c]", got)
	}
}
