package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultModel_SealRecomputesCounts(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_a.py::test_one", NodeResult{Outcome: OutcomePassed})
	model.Set("tests/test_a.py::test_two", NodeResult{Outcome: OutcomeFailed})
	model.Set("tests/test_a.py::test_three", NodeResult{Outcome: OutcomeSkipped})

	require.NoError(t, model.Seal(StatusFailuresPresent))

	require.True(t, model.Sealed())
	require.Equal(t, Counts{Passed: 1, Failed: 1, Skipped: 1}, model.Counts)
	require.Equal(t, len(model.Nodes), model.Counts.Total())
}

func TestResultModel_SealRejectsUnknownOutcome(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_a.py::test_one", NodeResult{Outcome: Outcome("bogus")})

	require.Error(t, model.Seal(StatusAllPassed))
}

func TestResultModel_SealTwiceFails(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	require.NoError(t, model.Seal(StatusAllPassed))
	require.Error(t, model.Seal(StatusAllPassed))
}

func TestResultModel_SetAfterSealPanics(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	require.NoError(t, model.Seal(StatusAllPassed))

	require.Panics(t, func() {
		model.Set("tests/test_a.py::test_one", NodeResult{Outcome: OutcomePassed})
	})
}

func TestResultModel_SliceRestrictsAndReseals(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_a.py::test_one", NodeResult{Outcome: OutcomePassed})
	model.Set("tests/test_a.py::test_two", NodeResult{Outcome: OutcomeFailed})
	model.Coverage = map[TestNodeID][]string{
		"tests/test_a.py::test_one": {"app/a.py"},
		"tests/test_a.py::test_two": {"app/b.py"},
	}
	require.NoError(t, model.Seal(StatusFailuresPresent))

	sliced, err := model.Slice([]TestNodeID{"tests/test_a.py::test_two"})
	require.NoError(t, err)

	require.True(t, sliced.Sealed())
	require.Equal(t, "run-1", sliced.RunID)
	require.Len(t, sliced.Nodes, 1)
	require.Equal(t, Counts{Failed: 1}, sliced.Counts)
	require.Equal(t, map[TestNodeID][]string{
		"tests/test_a.py::test_two": {"app/b.py"},
	}, sliced.Coverage)
}

func TestResultModel_SliceUnknownNodeFails(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_a.py::test_one", NodeResult{Outcome: OutcomePassed})
	require.NoError(t, model.Seal(StatusAllPassed))

	_, err := model.Slice([]TestNodeID{"tests/test_a.py::test_missing"})
	require.Error(t, err)
}

func TestResultModel_SliceUnsealedFails(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_a.py::test_one", NodeResult{Outcome: OutcomePassed})

	_, err := model.Slice([]TestNodeID{"tests/test_a.py::test_one"})
	require.Error(t, err)
}

func TestResultModel_FailuresAreSorted(t *testing.T) {
	model := NewResultModel("run-1", time.Now())
	model.Set("tests/test_b.py::test_late", NodeResult{Outcome: OutcomeFailed})
	model.Set("tests/test_a.py::test_early", NodeResult{Outcome: OutcomeError})
	model.Set("tests/test_c.py::test_fine", NodeResult{Outcome: OutcomePassed})
	require.NoError(t, model.Seal(StatusFailuresPresent))

	require.Equal(t, []TestNodeID{
		"tests/test_a.py::test_early",
		"tests/test_b.py::test_late",
	}, model.Failures())
}

func TestTestNodeID_File(t *testing.T) {
	require.Equal(t, "tests/test_a.py", TestNodeID("tests/test_a.py::test_one").File())
	require.Equal(t, "tests/test_a.py", TestNodeID("tests/test_a.py::TestClass::test_method").File())
	require.Equal(t, "tests/test_a.py", TestNodeID("tests/test_a.py").File())
	require.Equal(t, "tests/test_a.py", TestNodeID("tests/test_a.py::test_params[a::b]").File())
}

func TestEngineStatusFromExitCode(t *testing.T) {
	cases := []struct {
		code   int
		status EngineStatus
	}{
		{0, StatusAllPassed},
		{1, StatusFailuresPresent},
		{2, StatusInternalError},
		{3, StatusInternalError},
		{4, StatusNoTestsCollected},
		{5, StatusNoTestsCollected},
		{7, StatusInternalError},
		{-1, StatusInternalError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.status, EngineStatusFromExitCode(tc.code))
	}

	require.True(t, KnownExitCode(0))
	require.True(t, KnownExitCode(5))
	require.False(t, KnownExitCode(6))
	require.False(t, KnownExitCode(-1))
}
