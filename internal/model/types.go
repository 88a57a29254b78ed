// Package model defines the data structures for test orchestration.
package model

import "time"

// TestNodeID identifies one executable test unit, stable across runs
// unless source changes: "path/to/test_file.py::Class::test_func[param]".
type TestNodeID string

// File returns the module path part of the node id (everything before
// the first "::").
func (id TestNodeID) File() string {
	s := string(id)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return s[:i]
		}
	}

	return s
}

// Outcome represents the terminal classification of one test node.
type Outcome string

const (
	// OutcomePassed indicates the test ran and passed.
	OutcomePassed Outcome = "passed"
	// OutcomeFailed indicates the test ran and failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped indicates the test was deselected or skipped by the engine.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeError indicates the node errored outside its test body
	// (collection error, parse error, timeout).
	OutcomeError Outcome = "error"
	// OutcomeXFail indicates an expected failure.
	OutcomeXFail Outcome = "xfail"
	// OutcomeXPass indicates an unexpected pass of an expected failure.
	OutcomeXPass Outcome = "xpass"
	// OutcomeNotRun indicates the node was never started (fail-fast abort).
	OutcomeNotRun Outcome = "not-run"
	// OutcomeCancelled indicates the run was cancelled before the node finished.
	OutcomeCancelled Outcome = "cancelled"
)

// FailureStyle selects how much of a failure gets rendered.
type FailureStyle string

const (
	// StyleShort renders the condensed traceback.
	StyleShort FailureStyle = "short"
	// StyleLong renders the full traceback.
	StyleLong FailureStyle = "long"
	// StyleLine renders one line per failure.
	StyleLine FailureStyle = "line"
)

// FailureKind tags the origin of a failure.
type FailureKind string

const (
	// FailureAssertion is a regular test-body failure.
	FailureAssertion FailureKind = "assertion"
	// FailureParse marks a node whose engine output could not be classified.
	FailureParse FailureKind = "parse"
	// FailureTimeout marks a node unfinished when the wall clock expired.
	FailureTimeout FailureKind = "timeout"
	// FailureCancelled marks a node unfinished when the run was cancelled.
	FailureCancelled FailureKind = "cancelled"
	// FailureSubprocess marks the synthetic node for an unrunnable engine.
	FailureSubprocess FailureKind = "subprocess"
	// FailureCollection marks a target the engine could not enumerate.
	FailureCollection FailureKind = "collection"
)

// Failure carries the evidence for a non-passing node.
type Failure struct {
	Kind     FailureKind  `json:"kind"`
	Message  string       `json:"message"`
	Style    FailureStyle `json:"style"`
	Location string       `json:"location,omitempty"`
}

// NodeResult is the sealed per-node entry of a ResultModel.
type NodeResult struct {
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Failure  *Failure      `json:"failure,omitempty"`
}

// Counts aggregates per-outcome totals of a ResultModel.
type Counts struct {
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	XFailed   int `json:"xfailed"`
	XPassed   int `json:"xpassed"`
	NotRun    int `json:"not_run"`
	Cancelled int `json:"cancelled"`
}

// Total is the sum of all per-outcome counts. For a sealed model it
// equals the number of nodes.
func (c Counts) Total() int {
	return c.Passed + c.Failed + c.Skipped + c.Errors +
		c.XFailed + c.XPassed + c.NotRun + c.Cancelled
}

// EngineStatus is the run-level status mapped from the engine exit code.
type EngineStatus string

const (
	// StatusAllPassed maps exit code 0.
	StatusAllPassed EngineStatus = "all-passed"
	// StatusFailuresPresent maps exit code 1.
	StatusFailuresPresent EngineStatus = "failures-present"
	// StatusInternalError maps exit codes 2 and 3.
	StatusInternalError EngineStatus = "internal-error"
	// StatusNoTestsCollected maps exit codes 4 and 5.
	StatusNoTestsCollected EngineStatus = "no-tests-collected"
	// StatusTimeout marks a run terminated by the wall-clock limit.
	StatusTimeout EngineStatus = "timeout"
	// StatusCancelled marks a run terminated by caller cancellation.
	StatusCancelled EngineStatus = "cancelled"
)

// EngineStatusFromExitCode maps the engine's well-known exit-code set.
// Unknown codes map to internal-error; the scheduler additionally
// attaches a synthetic subprocess failure for those.
func EngineStatusFromExitCode(code int) EngineStatus {
	switch code {
	case 0:
		return StatusAllPassed
	case 1:
		return StatusFailuresPresent
	case 2, 3:
		return StatusInternalError
	case 4, 5:
		return StatusNoTestsCollected
	}

	return StatusInternalError
}

// KnownExitCode reports whether the engine exit code belongs to the
// well-known set.
func KnownExitCode(code int) bool {
	return code >= 0 && code <= 5
}

// HistoryRecord is one appended outcome for one node.
type HistoryRecord struct {
	Node       TestNodeID `json:"node"`
	Outcome    Outcome    `json:"outcome"`
	RunID      string     `json:"run_id"`
	RecordedAt time.Time  `json:"recorded_at"`
}
