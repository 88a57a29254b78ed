package model

import (
	"fmt"
	"sort"
	"time"
)

// ResultModel maps node ids to sealed per-node results for one engine
// invocation, plus run-level aggregates. A model is mutable while the
// parser builds it and immutable once Seal has been called.
type ResultModel struct {
	RunID             string                    `json:"run_id"`
	Status            EngineStatus              `json:"status"`
	Nodes             map[TestNodeID]NodeResult `json:"nodes"`
	Counts            Counts                    `json:"counts"`
	StartedAt         time.Time                 `json:"started_at"`
	Duration          time.Duration             `json:"duration"`
	SourceFingerprint string                    `json:"source_fingerprint"`

	// Coverage maps each node to the production files it touched.
	// Populated only on coverage-enabled runs.
	Coverage map[TestNodeID][]string `json:"coverage,omitempty"`

	sealed bool
}

// NewResultModel creates an unsealed model for the given run.
func NewResultModel(runID string, startedAt time.Time) *ResultModel {
	return &ResultModel{
		RunID:     runID,
		Nodes:     make(map[TestNodeID]NodeResult),
		StartedAt: startedAt,
	}
}

// Sealed reports whether the model has been finalized.
func (r *ResultModel) Sealed() bool {
	return r.sealed
}

// Set records the result for one node. Setting on a sealed model is a
// programming error and panics.
func (r *ResultModel) Set(node TestNodeID, result NodeResult) {
	if r.sealed {
		panic("model: set on sealed result model")
	}

	r.Nodes[node] = result
}

// Seal recomputes the aggregate counts, marks the model immutable and
// verifies the count invariant.
func (r *ResultModel) Seal(status EngineStatus) error {
	if r.sealed {
		return fmt.Errorf("model: result model already sealed")
	}

	r.Status = status
	r.Counts = Counts{}

	for id, result := range r.Nodes {
		switch result.Outcome {
		case OutcomePassed:
			r.Counts.Passed++
		case OutcomeFailed:
			r.Counts.Failed++
		case OutcomeSkipped:
			r.Counts.Skipped++
		case OutcomeError:
			r.Counts.Errors++
		case OutcomeXFail:
			r.Counts.XFailed++
		case OutcomeXPass:
			r.Counts.XPassed++
		case OutcomeNotRun:
			r.Counts.NotRun++
		case OutcomeCancelled:
			r.Counts.Cancelled++
		default:
			return fmt.Errorf("model: unknown outcome %q for node %q", result.Outcome, id)
		}
	}

	if r.Counts.Total() != len(r.Nodes) {
		return fmt.Errorf("model: count invariant violated: %d counted, %d nodes", r.Counts.Total(), len(r.Nodes))
	}

	r.sealed = true

	return nil
}

// Slice returns a new sealed model restricted to the requested nodes.
// Every requested node must be present in the source model.
func (r *ResultModel) Slice(nodes []TestNodeID) (*ResultModel, error) {
	if !r.sealed {
		return nil, fmt.Errorf("model: slice of unsealed result model")
	}

	sliced := NewResultModel(r.RunID, r.StartedAt)
	sliced.Duration = r.Duration
	sliced.SourceFingerprint = r.SourceFingerprint

	for _, n := range nodes {
		result, ok := r.Nodes[n]
		if !ok {
			return nil, fmt.Errorf("model: node %q not present in run %s", n, r.RunID)
		}

		sliced.Nodes[n] = result
	}

	if r.Coverage != nil {
		sliced.Coverage = make(map[TestNodeID][]string)
		for _, n := range nodes {
			if files, ok := r.Coverage[n]; ok {
				sliced.Coverage[n] = files
			}
		}
	}

	if err := sliced.Seal(r.Status); err != nil {
		return nil, err
	}

	return sliced, nil
}

// Contains reports whether every given node is present in the model.
func (r *ResultModel) Contains(nodes []TestNodeID) bool {
	for _, n := range nodes {
		if _, ok := r.Nodes[n]; !ok {
			return false
		}
	}

	return true
}

// Failures returns the failing and erroring nodes in deterministic order.
func (r *ResultModel) Failures() []TestNodeID {
	failed := make([]TestNodeID, 0)

	for n, result := range r.Nodes {
		if result.Outcome == OutcomeFailed || result.Outcome == OutcomeError {
			failed = append(failed, n)
		}
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	return failed
}
