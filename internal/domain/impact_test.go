package domain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pytx.dev/pkg/pytx/internal/adapter"
	m "pytx.dev/pkg/pytx/internal/model"
)

func coverageModel(t *testing.T, coverage map[m.TestNodeID][]string) *m.ResultModel {
	t.Helper()

	model := m.NewResultModel("run-cov", time.Now())
	for node := range coverage {
		model.Set(node, m.NodeResult{Outcome: m.OutcomePassed})
	}

	model.Coverage = coverage
	require.NoError(t, model.Seal(m.StatusAllPassed))

	return model
}

func TestImpactAnalyzer_AffectedMapsFilesToNodes(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "app/math.py", "def add(a, b): return a + b\n")
	writeTestFile(t, dir, "app/fmt.py", "def render(x): return str(x)\n")

	analyzer := NewImpactAnalyzer(dir)
	analyzer.Update(coverageModel(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add":   {"app/math.py"},
		"tests/test_fmt.py::test_render": {"app/fmt.py"},
		"tests/test_mixed.py::test_both": {"app/math.py", "app/fmt.py"},
	}))

	require.Equal(t, []m.TestNodeID{
		"tests/test_math.py::test_add",
		"tests/test_mixed.py::test_both",
	}, analyzer.Affected([]string{"app/math.py"}))
}

func TestImpactAnalyzer_UnknownFileFallsBackToFullSet(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "app/math.py", "pass\n")

	analyzer := NewImpactAnalyzer(dir)
	analyzer.Update(coverageModel(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add": {"app/math.py"},
		"tests/test_math.py::test_sub": {"app/math.py"},
	}))

	require.False(t, analyzer.Knows("app/new_module.py"))

	require.Equal(t, []m.TestNodeID{
		"tests/test_math.py::test_add",
		"tests/test_math.py::test_sub",
	}, analyzer.Affected([]string{"app/new_module.py"}))
}

func TestImpactAnalyzer_UpdateSkipsFreshNodes(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "app/math.py", "pass\n")

	analyzer := NewImpactAnalyzer(dir)
	coverage := map[m.TestNodeID][]string{
		"tests/test_math.py::test_add": {"app/math.py"},
	}
	analyzer.Update(coverageModel(t, coverage))

	// Sever one reverse edge by hand; a second update over unchanged
	// source must be skipped and leave it severed.
	delete(analyzer.reverse, "app/math.py")
	analyzer.Update(coverageModel(t, coverage))

	require.False(t, analyzer.Knows("app/math.py"))
}

func TestImpactAnalyzer_UpdateRelinksStaleNodes(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "app/math.py", "v1\n")
	writeTestFile(t, dir, "app/fmt.py", "pass\n")

	analyzer := NewImpactAnalyzer(dir)
	analyzer.Update(coverageModel(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add": {"app/math.py"},
	}))

	// The node's coverage moved to another file; the stale entry is
	// unlinked and rebuilt from the new run.
	analyzer.Update(coverageModel(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add": {"app/fmt.py"},
	}))

	require.False(t, analyzer.Knows("app/math.py"))
	require.Equal(t, []m.TestNodeID{"tests/test_math.py::test_add"},
		analyzer.Affected([]string{"app/fmt.py"}))
}

func TestImpactAnalyzer_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "app/math.py", "pass\n")

	analyzer := NewImpactAnalyzer(dir)
	analyzer.Update(coverageModel(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add": {"app/math.py"},
	}))

	path := filepath.Join(t.TempDir(), "impact.yaml")
	store := adapter.NewYAMLSnapshotStore()
	require.NoError(t, analyzer.Snapshot(store, path))

	restored := NewImpactAnalyzer(dir)
	restored.Restore(store, path)

	require.True(t, restored.Knows("app/math.py"))
	require.Equal(t, []m.TestNodeID{"tests/test_math.py::test_add"},
		restored.Affected([]string{"app/math.py"}))
}

func TestImpactAnalyzer_RestoreMissingSnapshotIsEmpty(t *testing.T) {
	analyzer := NewImpactAnalyzer(t.TempDir())
	analyzer.Restore(adapter.NewYAMLSnapshotStore(), filepath.Join(t.TempDir(), "absent.yaml"))

	require.Empty(t, analyzer.Nodes())
}
