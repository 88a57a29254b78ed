package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pytx.dev/pkg/pytx/internal/adapter"
	m "pytx.dev/pkg/pytx/internal/model"
)

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newSuiteDir lays out a minimal two-file suite and returns its root.
func newSuiteDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	writeTestFile(t, dir, "tests/test_a.py", "def test_one():\n    pass\n")
	writeTestFile(t, dir, "tests/test_b.py", "def test_two():\n    pass\n")

	return dir
}

func newTestSelection(t *testing.T, dir string, nodes ...m.TestNodeID) *Selection {
	t.Helper()

	selector := &Selector{workDir: dir}

	return selector.newSelection(Criteria{NodeIDs: nodes}, nodes)
}

func sealedModel(t *testing.T, runID string, outcomes map[m.TestNodeID]m.Outcome) *m.ResultModel {
	t.Helper()

	model := m.NewResultModel(runID, time.Now())
	for node, outcome := range outcomes {
		model.Set(node, m.NodeResult{Outcome: outcome})
	}

	require.NoError(t, model.Seal(m.StatusAllPassed))

	return model
}

func TestResultCache_ExactHit(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	model := sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	})
	cache.Put(sel, sourceFP, model, time.Minute)

	got, ok := cache.Get(sel, sourceFP)
	require.True(t, ok)
	require.Equal(t, "run-1", got.RunID)
}

func TestResultCache_MissOnDifferentSelection(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(sel, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	}), time.Minute)

	other := newTestSelection(t, dir, "tests/test_b.py::test_two")
	otherFP, err := other.SourceFingerprint()
	require.NoError(t, err)

	_, ok := cache.Get(other, otherFP)
	require.False(t, ok)
}

func TestResultCache_SupersetHitIsSliced(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	superset := newTestSelection(t, dir,
		"tests/test_a.py::test_one",
		"tests/test_b.py::test_two",
	)
	sourceFP, err := superset.SourceFingerprint()
	require.NoError(t, err)

	model := sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
		"tests/test_b.py::test_two": m.OutcomeFailed,
	})
	cache.Put(superset, sourceFP, model, time.Minute)

	subset := newTestSelection(t, dir, "tests/test_b.py::test_two")
	subsetFP, err := subset.SourceFingerprint()
	require.NoError(t, err)

	got, ok := cache.Get(subset, subsetFP)
	require.True(t, ok)
	require.Len(t, got.Nodes, 1)
	require.Equal(t, m.OutcomeFailed, got.Nodes["tests/test_b.py::test_two"].Outcome)
	require.True(t, got.Sealed())
	require.Equal(t, m.Counts{Failed: 1}, got.Counts)
}

func TestResultCache_SupersetRejectedWhenSourceChanged(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	superset := newTestSelection(t, dir,
		"tests/test_a.py::test_one",
		"tests/test_b.py::test_two",
	)
	sourceFP, err := superset.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(superset, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
		"tests/test_b.py::test_two": m.OutcomePassed,
	}), time.Minute)

	// Edit a backing file of the superset after caching.
	writeTestFile(t, dir, "tests/test_a.py", "def test_one():\n    assert False\n")

	subset := newTestSelection(t, dir, "tests/test_b.py::test_two")
	subsetFP, err := subset.SourceFingerprint()
	require.NoError(t, err)

	_, ok := cache.Get(subset, subsetFP)
	require.False(t, ok)
}

func TestResultCache_ExactEntryRemovedWhenSourceChanged(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(sel, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	}), time.Minute)

	writeTestFile(t, dir, "tests/test_a.py", "def test_one():\n    assert False\n")

	changedFP, err := sel.SourceFingerprint()
	require.NoError(t, err)
	require.NotEqual(t, sourceFP, changedFP)

	_, ok := cache.Get(sel, changedFP)
	require.False(t, ok)
	require.Equal(t, 0, cache.Len())
}

func TestResultCache_TTLExpiryIsLazy(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	current := time.Now()
	cache.now = func() time.Time { return current }

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(sel, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	}), time.Minute)

	_, ok := cache.Get(sel, sourceFP)
	require.True(t, ok)

	current = current.Add(2 * time.Minute)

	_, ok = cache.Get(sel, sourceFP)
	require.False(t, ok)
	require.Equal(t, 0, cache.Len())
}

func TestResultCache_ZeroTTLNeverExpires(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	current := time.Now()
	cache.now = func() time.Time { return current }

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(sel, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	}), 0)

	current = current.Add(24 * time.Hour)

	_, ok := cache.Get(sel, sourceFP)
	require.True(t, ok)
}

func TestResultCache_LRUEviction(t *testing.T) {
	dir := t.TempDir()
	cache := NewResultCache(2)

	nodes := []m.TestNodeID{"tests/test_e.py::one", "tests/test_e.py::two", "tests/test_e.py::three"}
	writeTestFile(t, dir, "tests/test_e.py", "pass\n")

	selections := make([]*Selection, 0, len(nodes))

	for i, node := range nodes {
		sel := newTestSelection(t, dir, node)
		selections = append(selections, sel)

		sourceFP, err := sel.SourceFingerprint()
		require.NoError(t, err)

		cache.Put(sel, sourceFP, sealedModel(t, "run", map[m.TestNodeID]m.Outcome{
			node: m.OutcomePassed,
		}), time.Minute)

		if i == 1 {
			// Touch the first entry so the second becomes LRU.
			_, ok := cache.Get(selections[0], sourceFP)
			require.True(t, ok)
		}
	}

	require.Equal(t, 2, cache.Len())

	sourceFP, err := selections[1].SourceFingerprint()
	require.NoError(t, err)

	_, ok := cache.Get(selections[1], sourceFP)
	require.False(t, ok)

	_, ok = cache.Get(selections[0], sourceFP)
	require.True(t, ok)
}

func TestResultCache_SnapshotRoundTrip(t *testing.T) {
	dir := newSuiteDir(t)
	cache := NewResultCache(4)

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")
	sourceFP, err := sel.SourceFingerprint()
	require.NoError(t, err)

	cache.Put(sel, sourceFP, sealedModel(t, "run-1", map[m.TestNodeID]m.Outcome{
		"tests/test_a.py::test_one": m.OutcomePassed,
	}), time.Hour)

	path := filepath.Join(t.TempDir(), "cache.json")
	store := adapter.NewJSONSnapshotStore()
	require.NoError(t, cache.Snapshot(store, path))

	restored := NewResultCache(4)
	restored.Restore(store, path, dir)
	require.Equal(t, 1, restored.Len())

	got, ok := restored.Get(sel, sourceFP)
	require.True(t, ok)
	require.Equal(t, "run-1", got.RunID)
	require.True(t, got.Sealed())
}

func TestResultCache_RestoreMissingSnapshotIsEmpty(t *testing.T) {
	cache := NewResultCache(4)
	cache.Restore(adapter.NewJSONSnapshotStore(), filepath.Join(t.TempDir(), "absent.json"), t.TempDir())

	require.Equal(t, 0, cache.Len())
}
