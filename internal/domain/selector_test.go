package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pytx.dev/pkg/pytx/internal/adapter"
	m "pytx.dev/pkg/pytx/internal/model"
)

// fakeCollectEngine serves canned collect-only output.
type fakeCollectEngine struct {
	output   string
	err      error
	lastArgs []string
}

func (f *fakeCollectEngine) Collect(_ context.Context, args []string) ([]byte, error) {
	f.lastArgs = args

	if f.err != nil {
		return nil, f.err
	}

	return []byte(f.output), nil
}

func (f *fakeCollectEngine) Start(_ context.Context, _ []string) (adapter.EngineProcess, error) {
	panic("selector never starts test runs")
}

func TestSelector_ResolveParsesCollectOutput(t *testing.T) {
	engine := &fakeCollectEngine{output: `tests/test_math.py::test_add
tests/test_math.py::test_sub
tests/test_fmt.py::test_render[a b]

3 tests collected in 0.04s
`}

	selector := NewSelector(engine, t.TempDir())

	selection, err := selector.Resolve(context.Background(), Criteria{Path: "tests"})
	require.NoError(t, err)

	require.Equal(t, []m.TestNodeID{
		"tests/test_math.py::test_add",
		"tests/test_math.py::test_sub",
		"tests/test_fmt.py::test_render[a b]",
	}, selection.Nodes)

	require.Equal(t, []string{"--collect-only", "-q", "tests"}, engine.lastArgs)
}

func TestSelector_ResolvePassesFilterArgs(t *testing.T) {
	engine := &fakeCollectEngine{output: "no tests ran in 0.01s\n"}
	selector := NewSelector(engine, t.TempDir())

	_, err := selector.Resolve(context.Background(), Criteria{Keyword: "add", Markers: "not slow"})
	require.NoError(t, err)

	require.Equal(t, []string{"--collect-only", "-q", "-k", "add", "-m", "not slow"}, engine.lastArgs)
}

func TestSelector_ResolveCollectionErrorKeepsResolvedNodes(t *testing.T) {
	engine := &fakeCollectEngine{output: `tests/test_good.py::test_ok
==================================== ERRORS ====================================
ERROR tests/test_broken.py - SyntaxError: invalid syntax
=========================== short test summary info ============================
ERROR tests/test_broken.py
!!!!!!!!!!!!!!!!!!! Interrupted: 1 error during collection !!!!!!!!!!!!!!!!!!!!
1 test collected, 1 error in 0.07s
`}

	selector := NewSelector(engine, t.TempDir())

	selection, err := selector.Resolve(context.Background(), Criteria{Path: "tests"})
	require.Error(t, err)

	var collectionErr *m.CollectionError
	require.ErrorAs(t, err, &collectionErr)
	require.Contains(t, collectionErr.Targets, "tests/test_broken.py")

	require.NotNil(t, selection)
	require.Equal(t, []m.TestNodeID{"tests/test_good.py::test_ok"}, selection.Nodes)
}

func TestSelector_ResolveExplicitNodeIDs(t *testing.T) {
	engine := &fakeCollectEngine{}
	selector := NewSelector(engine, t.TempDir())

	selection, err := selector.Resolve(context.Background(), Criteria{NodeIDs: []m.TestNodeID{
		"tests/test_a.py::test_one",
		"tests/test_b.py::test_two",
		"tests/test_a.py::test_one",
	}})
	require.NoError(t, err)

	// Explicit resolution never spawns the engine and de-duplicates
	// while preserving order.
	require.Nil(t, engine.lastArgs)
	require.Equal(t, []m.TestNodeID{
		"tests/test_a.py::test_one",
		"tests/test_b.py::test_two",
	}, selection.Nodes)
}

func TestSelector_ResolveExplicitRejectsMalformedIDs(t *testing.T) {
	selector := NewSelector(&fakeCollectEngine{}, t.TempDir())

	selection, err := selector.Resolve(context.Background(), Criteria{NodeIDs: []m.TestNodeID{
		"tests/test_a.py::test_one",
		"::test_orphan",
		"  ",
	}})

	var collectionErr *m.CollectionError
	require.ErrorAs(t, err, &collectionErr)
	require.Len(t, collectionErr.Targets, 2)

	require.Equal(t, []m.TestNodeID{"tests/test_a.py::test_one"}, selection.Nodes)
}

func TestSelection_FingerprintIsDeterministic(t *testing.T) {
	dir := t.TempDir()

	a := newTestSelection(t, dir, "tests/test_a.py::test_one", "tests/test_a.py::test_two")
	b := newTestSelection(t, dir, "tests/test_a.py::test_one", "tests/test_a.py::test_two")
	c := newTestSelection(t, dir, "tests/test_a.py::test_two", "tests/test_a.py::test_one")

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	// Node order feeds the fingerprint.
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestSelection_SourceFingerprintTracksContent(t *testing.T) {
	dir := newSuiteDir(t)

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")

	before, err := sel.SourceFingerprint()
	require.NoError(t, err)

	again, err := sel.SourceFingerprint()
	require.NoError(t, err)
	require.Equal(t, before, again)

	writeTestFile(t, dir, "tests/test_a.py", "def test_one():\n    assert 1\n")

	after, err := sel.SourceFingerprint()
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestSelection_BackingFilesIncludeConftest(t *testing.T) {
	dir := newSuiteDir(t)
	writeTestFile(t, dir, "tests/conftest.py", "import pytest\n")
	writeTestFile(t, dir, "conftest.py", "import pytest\n")

	sel := newTestSelection(t, dir, "tests/test_a.py::test_one")

	require.Equal(t, []string{
		"conftest.py",
		"tests/conftest.py",
		"tests/test_a.py",
	}, sel.Files())
}

func TestSelection_ContainedIn(t *testing.T) {
	dir := newSuiteDir(t)

	superset := newTestSelection(t, dir,
		"tests/test_a.py::test_one",
		"tests/test_b.py::test_two",
	)
	subset := newTestSelection(t, dir, "tests/test_b.py::test_two")
	disjoint := newTestSelection(t, dir, "tests/test_c.py::test_other")

	require.True(t, subset.ContainedIn(superset))
	require.True(t, superset.ContainedIn(superset))
	require.False(t, superset.ContainedIn(subset))
	require.False(t, disjoint.ContainedIn(superset))
}
