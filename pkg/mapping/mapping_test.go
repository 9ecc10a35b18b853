package mapping

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/strata/pkg/clock"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	root    string
	store   *object.Store
	backend Backend
	clock   *clock.Fake
	index   *Index
}

type backendCtor func(t *testing.T, root string, store *object.Store) Backend

var backends = map[string]backendCtor{
	"symlink": func(t *testing.T, root string, store *object.Store) Backend {
		b, err := NewSymlinkBackend(filepath.Join(root, "mappings"), store, quietLogger())
		require.NoError(t, err)
		return b
	},
	"sqlite": func(t *testing.T, root string, store *object.Store) Backend {
		b, err := OpenSQLite(filepath.Join(root, "mappings.db"))
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	},
}

func newFixture(t *testing.T, ctor backendCtor) *fixture {
	t.Helper()
	root := t.TempDir()
	store := object.NewStore(filepath.Join(root, "objects"), object.WithLogger(quietLogger()))
	backend := ctor(t, root, store)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return &fixture{
		root:    root,
		store:   store,
		backend: backend,
		clock:   clk,
		index:   NewIndex(store, backend, clk, quietLogger()),
	}
}

func h(s string) object.Hash { return object.HashBytes([]byte(s)) }

func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, ctor := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, ctor))
		})
	}
}

func TestRecordLookupConsistency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b, r := h("builder"), h("result")
		mh, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, time.Second))
		require.NoError(t, err)

		byB, err := f.index.LookupByBuilder(LocalSource, b)
		require.NoError(t, err)
		assert.Equal(t, []object.Hash{mh}, byB)
		byR, err := f.index.LookupByResult(LocalSource, r)
		require.NoError(t, err)
		assert.Equal(t, []object.Hash{mh}, byR)

		m, err := f.store.ReadMapping(mh)
		require.NoError(t, err)
		assert.Equal(t, r, m.Result)
		assert.Equal(t, b, m.Builder)
		assert.Equal(t, int64(1_700_000_000), m.Metadata.Timestamp)
		assert.Equal(t, int64(time.Second), m.Metadata.DurationNanos)

		empty, err := f.index.LookupByBuilder("elsewhere", b)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestRecordTwiceIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b, r := h("builder"), h("result")
		m1, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, time.Second))
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
		m2, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, m1, m2, "re-recording the same pair returns the first mapping")

		// Recording the identical object is also a no-op at the backend.
		m := f.index.NewMapping(b, r, 0)
		m3, err := f.store.WriteMapping(m)
		require.NoError(t, err)
		require.NoError(t, f.backend.Put(LocalSource, Entry{Builder: b, Result: r, Mapping: m3}))
		require.NoError(t, f.backend.Put(LocalSource, Entry{Builder: b, Result: r, Mapping: m3}))
	})
}

func TestManyToMany(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b1, b2, r1, r2 := h("b1"), h("b2"), h("r1"), h("r2")
		_, err := f.index.Record(LocalSource, f.index.NewMapping(b1, r1, 0))
		require.NoError(t, err)
		_, err = f.index.Record(LocalSource, f.index.NewMapping(b1, r2, 0))
		require.NoError(t, err)
		_, err = f.index.Record(LocalSource, f.index.NewMapping(b2, r1, 0))
		require.NoError(t, err)

		byB1, err := f.index.LookupByBuilder(LocalSource, b1)
		require.NoError(t, err)
		assert.Len(t, byB1, 2)
		byR1, err := f.index.LookupByResult(LocalSource, r1)
		require.NoError(t, err)
		assert.Len(t, byR1, 2)

		all, err := f.index.All()
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestSourcesArePartitioned(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b, r := h("b"), h("r")
		_, err := f.index.Record("cache.example.org", f.index.NewMapping(b, r, 0))
		require.NoError(t, err)
		local, err := f.index.LookupByBuilder(LocalSource, b)
		require.NoError(t, err)
		assert.Empty(t, local)
		sources, err := f.index.Sources()
		require.NoError(t, err)
		assert.Equal(t, []string{"cache.example.org"}, sources)

		_, err = f.index.Record("../escape", f.index.NewMapping(b, r, 0))
		assert.Error(t, err)
	})
}

func TestLookupRejectsInvalidSource(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b, r := h("builder"), h("result")
		_, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 0))
		require.NoError(t, err)

		for _, source := range []string{"", "..", "../" + LocalSource, ".hidden"} {
			_, err := f.index.LookupByBuilder(source, b)
			assert.Error(t, err, "builder lookup in %q", source)
			_, err = f.index.LookupByResult(source, r)
			assert.Error(t, err, "result lookup in %q", source)
		}
	})
}

func TestSymlinkBackendRejectsEscapingLinks(t *testing.T) {
	f := newFixture(t, backends["symlink"])
	sb := f.backend.(*SymlinkBackend)
	_, err := sb.ByBuilder("../"+LocalSource, h("builder"))
	assert.Error(t, err)
	_, err = sb.Links("..")
	assert.Error(t, err)

	outside := filepath.Join(f.root, "keep")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	l := Link{Source: "..", Key: KeyBuilder, Hash: h("builder"), Mapping: h("m")}
	assert.Error(t, sb.RemoveLink(l))
	assert.Error(t, sb.FixLink(Link{Source: LocalSource, Key: "../../keep", Hash: h("builder"), Mapping: h("m")}))
	assert.DirExists(t, outside)
}

func TestSymlinkLayout(t *testing.T) {
	f := newFixture(t, backends["symlink"])
	b, r := h("builder"), h("result")
	mh, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 0))
	require.NoError(t, err)

	for _, p := range []string{
		filepath.Join(f.root, "mappings", LocalSource, "builder", string(b[:2]), string(b[2:]), string(mh)),
		filepath.Join(f.root, "mappings", LocalSource, "result", string(r[:2]), string(r[2:]), string(mh)),
	} {
		target, err := os.Readlink(p)
		require.NoError(t, err)
		assert.False(t, filepath.IsAbs(target), "link targets are relative")
		resolved, err := os.Stat(p)
		require.NoError(t, err)
		obj, err := os.Stat(f.store.Path(mh, object.KindMapping))
		require.NoError(t, err)
		assert.True(t, os.SameFile(resolved, obj), "%s must resolve to the mapping object", p)
	}
}

func TestSymlinkConflict(t *testing.T) {
	f := newFixture(t, backends["symlink"])
	b, r := h("builder"), h("result")
	m := f.index.NewMapping(b, r, 0)
	data, err := object.MarshalMapping(m)
	require.NoError(t, err)
	mh := object.HashObject(string(object.KindMapping), data)

	linkDir := filepath.Join(f.root, "mappings", LocalSource, "result", string(r[:2]), string(r[2:]))
	require.NoError(t, os.MkdirAll(linkDir, 0o755))
	require.NoError(t, os.Symlink("/somewhere/else", filepath.Join(linkDir, string(mh))))

	_, err = f.index.Record(LocalSource, m)
	require.ErrorIs(t, err, object.ErrMappingConflict)
	assert.Contains(t, err.Error(), string(mh))

	byB, err := f.index.LookupByBuilder(LocalSource, b)
	require.NoError(t, err)
	assert.Empty(t, byB, "the builder link must be rolled back")
}

func TestCheckAndRepairHalfPair(t *testing.T) {
	f := newFixture(t, backends["symlink"])
	b, r := h("builder"), h("result")
	mh, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 0))
	require.NoError(t, err)
	require.NoError(t, f.backend.RemoveLink(Link{Source: LocalSource, Key: KeyResult, Hash: r, Mapping: mh}))

	problems, err := f.index.Check(LocalSource)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, ProblemHalfPair, problems[0].Kind)
	assert.Equal(t, KeyResult, problems[0].Missing)

	fixed, err := f.index.Repair(LocalSource)
	require.NoError(t, err)
	assert.Len(t, fixed, 1)
	problems, err = f.index.Check(LocalSource)
	require.NoError(t, err)
	assert.Empty(t, problems)
	byR, err := f.index.LookupByResult(LocalSource, r)
	require.NoError(t, err)
	assert.Equal(t, []object.Hash{mh}, byR)
}

func TestCheckAndRepairBrokenAndDangling(t *testing.T) {
	f := newFixture(t, backends["symlink"])
	b, r := h("builder"), h("result")
	mh, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 0))
	require.NoError(t, err)

	link := filepath.Join(f.root, "mappings", LocalSource, "builder", string(b[:2]), string(b[2:]), string(mh))
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink("nowhere", link))

	problems, err := f.index.Check(LocalSource)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, ProblemBroken, problems[0].Kind)
	_, err = f.index.Repair(LocalSource)
	require.NoError(t, err)
	_, err = os.Stat(link)
	require.NoError(t, err, "repaired link must resolve")

	require.NoError(t, f.store.Remove(mh, object.KindMapping))
	problems, err = f.index.Check(LocalSource)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	for _, p := range problems {
		assert.Equal(t, ProblemDangling, p.Kind)
	}
	_, err = f.index.Repair(LocalSource)
	require.NoError(t, err)
	all, err := f.index.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestForget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b, r := h("builder"), h("result")
		mh, err := f.index.Record(LocalSource, f.index.NewMapping(b, r, 0))
		require.NoError(t, err)
		require.NoError(t, f.index.Forget(LocalSource, mh))
		byB, err := f.index.LookupByBuilder(LocalSource, b)
		require.NoError(t, err)
		assert.Empty(t, byB)
		byR, err := f.index.LookupByResult(LocalSource, r)
		require.NoError(t, err)
		assert.Empty(t, byR)
	})
}

func TestResolverPriority(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b := h("builder")
		_, err := f.index.Record("remote", f.index.NewMapping(b, h("remote-result"), 0))
		require.NoError(t, err)

		res := &Resolver{Index: f.index}
		c, err := res.Resolve(b)
		require.NoError(t, err)
		assert.Equal(t, h("remote-result"), c.Mapping.Result)
		assert.Equal(t, "remote", c.Source)

		_, err = f.index.Record(LocalSource, f.index.NewMapping(b, h("old-local"), 0))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		_, err = f.index.Record(LocalSource, f.index.NewMapping(b, h("new-local"), 0))
		require.NoError(t, err)

		c, err = res.Resolve(b)
		require.NoError(t, err)
		assert.Equal(t, LocalSource, c.Source, "local source comes first by default")
		assert.Equal(t, h("new-local"), c.Mapping.Result, "newest mapping wins within a source")

		explicit := &Resolver{Index: f.index, Sources: []string{"remote", LocalSource}}
		c, err = explicit.Resolve(b)
		require.NoError(t, err)
		assert.Equal(t, "remote", c.Source)

		_, err = res.Resolve(h("unknown"))
		assert.ErrorIs(t, err, object.ErrNotFound)
	})
}

func TestResolverUnanimous(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		b := h("builder")
		_, err := f.index.Record(LocalSource, f.index.NewMapping(b, h("r"), 0))
		require.NoError(t, err)
		_, err = f.index.Record("remote", f.index.NewMapping(b, h("r"), 0))
		require.NoError(t, err)

		res := &Resolver{Index: f.index, Strategy: UnanimousStrategy{}}
		c, err := res.Resolve(b)
		require.NoError(t, err)
		assert.Equal(t, h("r"), c.Mapping.Result)

		_, err = f.index.Record("remote", f.index.NewMapping(b, h("other"), 0))
		require.NoError(t, err)
		_, err = res.Resolve(b)
		assert.ErrorIs(t, err, object.ErrMappingConflict)
	})
}

func TestDefaultSources(t *testing.T) {
	assert.Equal(t, []string{LocalSource, "a", "b"}, DefaultSources([]string{"b", LocalSource, "a"}))
	assert.Equal(t, []string{LocalSource}, DefaultSources(nil))
}
