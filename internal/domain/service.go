package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	m "pytx.dev/pkg/pytx/internal/model"
)

// Service is the synchronous facade the tool-dispatch layer consumes.
// Every operation returns a sealed structured value; no partial or
// streaming results cross this boundary. All stores are explicitly
// owned and injected, never ambient.
type Service struct {
	selector  *Selector
	scheduler *Scheduler
	history   *HistoryStore
	impact    *ImpactAnalyzer
	version   string
}

// NewService wires the facade from its components.
func NewService(selector *Selector, scheduler *Scheduler, history *HistoryStore, impact *ImpactAnalyzer, version string) *Service {
	return &Service{
		selector:  selector,
		scheduler: scheduler,
		history:   history,
		impact:    impact,
		version:   version,
	}
}

// ResolveResult is the sealed response of Resolve.
type ResolveResult struct {
	Nodes []m.TestNodeID `json:"nodes"`
	Total int            `json:"total"`
	// FailedTargets lists targets that could not be enumerated; the
	// nodes above still resolved.
	FailedTargets []string `json:"failed_targets,omitempty"`
}

// Resolve resolves criteria without executing test bodies.
func (s *Service) Resolve(ctx context.Context, criteria Criteria) (*ResolveResult, error) {
	selection, err := s.selector.Resolve(ctx, criteria)
	if err != nil {
		var collectionErr *m.CollectionError
		if errors.As(err, &collectionErr) && selection != nil {
			return &ResolveResult{
				Nodes:         selection.Nodes,
				Total:         len(selection.Nodes),
				FailedTargets: collectionErr.Targets,
			}, nil
		}

		return nil, err
	}

	return &ResolveResult{Nodes: selection.Nodes, Total: len(selection.Nodes)}, nil
}

// Execute resolves criteria and runs the selection through the
// scheduler, honoring the cache and single-flight machinery.
func (s *Service) Execute(ctx context.Context, criteria Criteria, opts ExecOptions) (*m.ResultModel, error) {
	selection, err := s.selector.Resolve(ctx, criteria)
	if err != nil {
		var collectionErr *m.CollectionError
		if !errors.As(err, &collectionErr) {
			return nil, err
		}

		// Unparsable targets never abort sibling targets: run what
		// resolved, as long as anything did.
		if selection == nil || len(selection.Nodes) == 0 {
			return nil, err
		}
	}

	if len(selection.Nodes) == 0 {
		return nil, &m.CollectionError{Message: "selection matched no tests"}
	}

	return s.scheduler.Execute(ctx, selection, opts)
}

// FailureDetail is one failing node in a GetFailures response.
type FailureDetail struct {
	Node     m.TestNodeID  `json:"node"`
	Outcome  m.Outcome     `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Failure  *m.Failure    `json:"failure,omitempty"`
}

// FailuresResult is the sealed response of GetFailures.
type FailuresResult struct {
	RunID    string          `json:"run_id"`
	Failures []FailureDetail `json:"failures"`
	Total    int             `json:"total"`
}

// GetFailures executes (or serves from cache) and returns only the
// failing and erroring nodes with their evidence.
func (s *Service) GetFailures(ctx context.Context, criteria Criteria, opts ExecOptions) (*FailuresResult, error) {
	model, err := s.Execute(ctx, criteria, opts)
	if err != nil {
		return nil, err
	}

	result := &FailuresResult{RunID: model.RunID}

	for _, node := range model.Failures() {
		nodeResult := model.Nodes[node]
		result.Failures = append(result.Failures, FailureDetail{
			Node:     node,
			Outcome:  nodeResult.Outcome,
			Duration: nodeResult.Duration,
			Failure:  nodeResult.Failure,
		})
	}

	result.Total = len(result.Failures)

	return result, nil
}

// SummaryResult is the sealed response of GetSummary.
type SummaryResult struct {
	RunID    string         `json:"run_id"`
	Status   m.EngineStatus `json:"status"`
	Counts   m.Counts       `json:"counts"`
	Total    int            `json:"total"`
	Duration time.Duration  `json:"duration"`
}

// GetSummary executes (or serves from cache) and returns aggregate
// counts only.
func (s *Service) GetSummary(ctx context.Context, criteria Criteria, opts ExecOptions) (*SummaryResult, error) {
	model, err := s.Execute(ctx, criteria, opts)
	if err != nil {
		return nil, err
	}

	return &SummaryResult{
		RunID:    model.RunID,
		Status:   model.Status,
		Counts:   model.Counts,
		Total:    model.Counts.Total(),
		Duration: model.Duration,
	}, nil
}

// RerunFailed re-executes the nodes whose most recent recorded outcome
// is failed, as an explicit node-id selection.
func (s *Service) RerunFailed(ctx context.Context, opts ExecOptions) (*m.ResultModel, error) {
	failed := s.history.LastFailed()
	if len(failed) == 0 {
		return nil, &m.CollectionError{Message: "no previously failed tests on record"}
	}

	return s.Execute(ctx, Criteria{NodeIDs: failed}, opts)
}

// AffectedResult is the sealed response of Affected.
type AffectedResult struct {
	Nodes []m.TestNodeID `json:"nodes"`
	Total int            `json:"total"`
	// Fallback reports that at least one changed file was absent from
	// the dependency graph and the full known set was returned.
	Fallback bool `json:"fallback"`
}

// Affected maps changed files to the tests that touch them.
func (s *Service) Affected(changedFiles []string) (*AffectedResult, error) {
	if len(changedFiles) == 0 {
		return nil, fmt.Errorf("affected: at least one changed file is required")
	}

	nodes := s.impact.Affected(changedFiles)

	fallback := false

	for _, file := range changedFiles {
		if !s.impact.Knows(file) {
			fallback = true
			break
		}
	}

	return &AffectedResult{Nodes: nodes, Total: len(nodes), Fallback: fallback}, nil
}

// FlakyResult is the sealed response of FlakyScore.
type FlakyResult struct {
	Node    m.TestNodeID `json:"node"`
	Window  int          `json:"window"`
	Score   float64      `json:"score"`
	Records int          `json:"records"`
	// InsufficientData is set instead of a zero score when fewer than
	// two records exist.
	InsufficientData bool `json:"insufficient_data"`
}

// FlakyScore computes the outcome-flip ratio for one node.
func (s *Service) FlakyScore(node m.TestNodeID, window int) (*FlakyResult, error) {
	if window <= 0 {
		window = DefaultFlakyWindow
	}

	records := len(s.history.History(node))

	score, err := s.history.FlakyScore(node, window)
	if err != nil {
		if errors.Is(err, ErrInsufficientHistory) {
			return &FlakyResult{Node: node, Window: window, Records: records, InsufficientData: true}, nil
		}

		return nil, err
	}

	return &FlakyResult{Node: node, Window: window, Score: score, Records: records}, nil
}

// HealthStatus is the sealed response of HealthCheck.
type HealthStatus struct {
	Status     string    `json:"status"`
	ServerName string    `json:"server_name"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthCheck reports liveness of the orchestrator.
func (s *Service) HealthCheck() *HealthStatus {
	return &HealthStatus{
		Status:     "healthy",
		ServerName: "pytx",
		Version:    s.version,
		Timestamp:  time.Now(),
	}
}
