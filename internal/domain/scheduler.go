package domain

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pytx.dev/pkg/pytx/internal/adapter"
	"pytx.dev/pkg/pytx/internal/metrics"
	m "pytx.dev/pkg/pytx/internal/model"
)

// SyntheticNode is the node id carrying a run-level subprocess failure
// so that spawn errors never yield an empty model.
const SyntheticNode = m.TestNodeID("<engine>")

// DefaultCacheTTL applies when ExecOptions.CacheTTL is zero.
const DefaultCacheTTL = 15 * time.Minute

// ExecOptions tunes one execution request.
type ExecOptions struct {
	// Timeout is the wall-clock limit measured from subprocess spawn.
	// Zero means no limit.
	Timeout time.Duration
	// MaxFailures terminates the run early once that many failures
	// have been observed mid-stream. Zero disables fail-fast.
	MaxFailures int
	// TracebackStyle selects the engine's failure rendering.
	TracebackStyle m.FailureStyle
	// Coverage enables per-test coverage contexts for the impact graph.
	Coverage bool
	// CacheTTL overrides the TTL of the cached result.
	CacheTTL time.Duration
	// NoCache bypasses the result cache for this request.
	NoCache bool
}

// inflightRun is the future all attached callers resolve on.
type inflightRun struct {
	selection *Selection
	sourceFP  string
	done      chan struct{}
	model     *m.ResultModel
}

// Scheduler coordinates engine invocations: single-flight
// deduplication, bounded subprocess concurrency, timeouts,
// cancellation and fail-fast. Completed runs feed the result cache,
// the history store and the impact analyzer.
type Scheduler struct {
	engine  adapter.EngineAdapter
	cache   *ResultCache
	history *HistoryStore
	impact  *ImpactAnalyzer
	workDir string
	sem     *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

// NewScheduler constructs a Scheduler. maxProcs bounds concurrent
// engine subprocesses; stores are owned by the caller and passed by
// reference.
func NewScheduler(engine adapter.EngineAdapter, cache *ResultCache, history *HistoryStore, impact *ImpactAnalyzer, workDir string, maxProcs int64) *Scheduler {
	if maxProcs <= 0 {
		maxProcs = 2
	}

	return &Scheduler{
		engine:   engine,
		cache:    cache,
		history:  history,
		impact:   impact,
		workDir:  workDir,
		sem:      semaphore.NewWeighted(maxProcs),
		inflight: make(map[string]*inflightRun),
	}
}

// Execute runs the selection and returns a sealed model. Timeouts,
// cancellation, fail-fast and subprocess failures all resolve into the
// model rather than an error; the error return covers only request
// plumbing (context gone before any work happened).
func (s *Scheduler) Execute(ctx context.Context, sel *Selection, opts ExecOptions) (*m.ResultModel, error) {
	sourceFP, err := sel.SourceFingerprint()
	if err != nil {
		slog.Warn("source fingerprint unavailable, caching disabled for request", "error", err)
		sourceFP = ""
	}

	if !opts.NoCache && sourceFP != "" {
		if model, ok := s.cache.Get(sel, sourceFP); ok {
			slog.Debug("served from cache", "selection", sel.String())
			return model, nil
		}
	}

	run, leader := s.join(sel, sourceFP)
	if !leader {
		metrics.SingleFlightAttaches.Inc()
		return s.await(ctx, run, sel)
	}

	model := s.lead(ctx, run, opts, sourceFP)

	return model, nil
}

// join either attaches to an in-flight run covering the selection or
// registers a new one. The second return is true when the caller
// became the leader and must execute.
func (s *Scheduler) join(sel *Selection, sourceFP string) (*inflightRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := sel.Fingerprint()

	if run, ok := s.inflight[fp]; ok {
		return run, false
	}

	// Overlap: a selection fully contained in an in-flight run with
	// the same source state attaches and is sliced at completion.
	for _, run := range s.inflight {
		if run.sourceFP != "" && run.sourceFP == sourceFP && sel.ContainedIn(run.selection) {
			return run, false
		}
	}

	run := &inflightRun{
		selection: sel,
		sourceFP:  sourceFP,
		done:      make(chan struct{}),
	}
	s.inflight[fp] = run

	return run, true
}

// await blocks until the attached run resolves, then slices the shared
// model down to the caller's nodes when the caller attached to a
// superset.
func (s *Scheduler) await(ctx context.Context, run *inflightRun, sel *Selection) (*m.ResultModel, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("await in-flight run: %w", ctx.Err())
	case <-run.done:
	}

	model := run.model

	if sel.Fingerprint() != run.selection.Fingerprint() {
		sliced, err := model.Slice(sel.Nodes)
		if err != nil {
			if _, ok := model.Nodes[SyntheticNode]; ok {
				// Spawn failure: the run never held the caller's
				// nodes, so every attached caller gets the synthetic
				// failing model whole.
				return model, nil
			}

			return nil, fmt.Errorf("slice in-flight result: %w", err)
		}

		return sliced, nil
	}

	return model, nil
}

// lead executes the run, resolves all attached callers and maintains
// the stores. Always produces a sealed model.
func (s *Scheduler) lead(ctx context.Context, run *inflightRun, opts ExecOptions, sourceFP string) *m.ResultModel {
	model := s.invoke(ctx, run.selection, opts, sourceFP)

	s.finish(run.selection, opts, sourceFP, model)

	s.mu.Lock()
	run.model = model
	delete(s.inflight, run.selection.Fingerprint())
	s.mu.Unlock()

	close(run.done)

	return model
}

func (s *Scheduler) finish(sel *Selection, opts ExecOptions, sourceFP string, model *m.ResultModel) {
	metrics.EngineRuns.WithLabelValues(string(model.Status)).Inc()
	metrics.RunDuration.Observe(model.Duration.Seconds())

	// Cache and history updates are independent and idempotent; no
	// cross-store transaction is needed. Models with not-run fills
	// (fail-fast truncation, no tests collected) are as incomplete as
	// timed-out ones and are never cached, so the next full request
	// spawns a real run.
	fresh := model.Status != m.StatusCancelled && model.Status != m.StatusTimeout &&
		model.Counts.NotRun == 0

	if fresh && sourceFP != "" && !opts.NoCache {
		ttl := opts.CacheTTL
		if ttl == 0 {
			ttl = DefaultCacheTTL
		}

		s.cache.Put(sel, sourceFP, model, ttl)
	}

	for node, result := range model.Nodes {
		if node == SyntheticNode {
			// Run-level failure marker, not a real test.
			continue
		}

		switch result.Outcome {
		case m.OutcomeNotRun, m.OutcomeCancelled:
			// Never started; not part of the node's history.
		default:
			s.history.Record(node, result.Outcome, model.RunID)
		}
	}

	if opts.Coverage && model.Coverage != nil && s.impact != nil {
		s.impact.Update(model)
	}
}

// invoke spawns the engine and parses its stream into a sealed model.
func (s *Scheduler) invoke(ctx context.Context, sel *Selection, opts ExecOptions, sourceFP string) *m.ResultModel {
	runID := uuid.NewString()
	startedAt := time.Now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return syntheticModel(runID, startedAt, sourceFP, m.StatusCancelled,
			m.OutcomeCancelled, m.FailureCancelled, "cancelled before engine spawn")
	}
	defer s.sem.Release(1)

	style := opts.TracebackStyle
	if style == "" {
		style = m.StyleShort
	}

	covPath := ""
	args := []string{"-v", "--durations=0", "--tb=" + string(style)}

	if opts.Coverage {
		covPath = filepath.Join(os.TempDir(), "pytx-cov-"+runID+".json")
		args = append(args, "--cov", "--cov-context=test", "--cov-report=json:"+covPath)

		defer os.Remove(covPath)
	}

	args = append(args, sel.Criteria.CollectArgs()...)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	proc, err := s.engine.Start(runCtx, args)
	if err != nil {
		var spawnErr *m.SubprocessError
		msg := "failed to spawn engine"
		if errors.As(err, &spawnErr) {
			msg = spawnErr.Error()
		}

		return syntheticModel(runID, startedAt, sourceFP, m.StatusInternalError,
			m.OutcomeError, m.FailureSubprocess, msg)
	}

	parser := NewOutputParser(runID, startedAt, style)

	// The monotonic wall clock starts at spawn.
	spawn := time.Now()

	var (
		timedOut  bool
		cancelled bool
		failFast  bool
		stateMu   sync.Mutex
	)

	watchdogDone := make(chan struct{})

	go func() {
		var expiry <-chan time.Time
		if opts.Timeout > 0 {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			expiry = timer.C
		}

		select {
		case <-expiry:
			stateMu.Lock()
			timedOut = true
			stateMu.Unlock()
			cancelRun()
		case <-ctx.Done():
			stateMu.Lock()
			cancelled = true
			stateMu.Unlock()
			cancelRun()
		case <-watchdogDone:
		}
	}()

	// One reader per stream, joined before the model is sealed, so a
	// full pipe can never deadlock the engine.
	var stderrTail bytes.Buffer

	group := &errgroup.Group{}

	group.Go(func() error {
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			parser.ParseLine(scanner.Text())

			if opts.MaxFailures > 0 && parser.FailureCount() >= opts.MaxFailures {
				stateMu.Lock()
				alreadyStopping := failFast
				failFast = true
				stateMu.Unlock()

				if !alreadyStopping {
					slog.Info("fail-fast threshold reached", "run", runID, "failures", parser.FailureCount())
					cancelRun()
				}
			}
		}

		return scanner.Err()
	})

	group.Go(func() error {
		scanner := bufio.NewScanner(proc.Stderr())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			stderrTail.WriteString(scanner.Text())
			stderrTail.WriteByte('\n')
		}

		return scanner.Err()
	})

	if err := group.Wait(); err != nil {
		slog.Debug("engine stream reader ended with error", "run", runID, "error", err)
	}

	exitCode, waitErr := proc.Wait()
	elapsed := time.Since(spawn)

	close(watchdogDone)

	stateMu.Lock()
	defer stateMu.Unlock()

	model := s.sealRun(parser, sel, runID, sourceFP, runOutcome{
		exitCode:   exitCode,
		waitErr:    waitErr,
		timedOut:   timedOut,
		cancelled:  cancelled,
		failFast:   failFast,
		elapsed:    elapsed,
		stderrTail: stderrTail.String(),
		covPath:    covPath,
	})

	return model
}

type runOutcome struct {
	exitCode   int
	waitErr    error
	timedOut   bool
	cancelled  bool
	failFast   bool
	elapsed    time.Duration
	stderrTail string
	covPath    string
}

func (s *Scheduler) sealRun(parser *OutputParser, sel *Selection, runID, sourceFP string, outcome runOutcome) *m.ResultModel {
	var (
		status m.EngineStatus
		fill   m.NodeResult
	)

	switch {
	case outcome.timedOut:
		status = m.StatusTimeout
		fill = m.NodeResult{
			Outcome: m.OutcomeError,
			Failure: &m.Failure{
				Kind:    m.FailureTimeout,
				Message: fmt.Sprintf("run exceeded wall-clock timeout after %s", outcome.elapsed.Round(time.Millisecond)),
				Style:   m.StyleLine,
			},
		}
	case outcome.cancelled:
		status = m.StatusCancelled
		fill = m.NodeResult{
			Outcome: m.OutcomeCancelled,
			Failure: &m.Failure{
				Kind:    m.FailureCancelled,
				Message: "run cancelled by caller",
				Style:   m.StyleLine,
			},
		}
	case outcome.failFast:
		status = m.StatusFailuresPresent
		fill = m.NodeResult{Outcome: m.OutcomeNotRun}
	case outcome.waitErr != nil || !m.KnownExitCode(outcome.exitCode):
		return syntheticModel(runID, time.Now().Add(-outcome.elapsed), sourceFP, m.StatusInternalError,
			m.OutcomeError, m.FailureSubprocess,
			fmt.Sprintf("engine exited with unexpected code %d: %s", outcome.exitCode, tail(outcome.stderrTail, 2048)))
	default:
		status = m.EngineStatusFromExitCode(outcome.exitCode)
		fill = m.NodeResult{Outcome: m.OutcomeNotRun}
	}

	model, err := parser.Seal(status, sel.Nodes, fill)
	if err != nil {
		slog.Error("failed to seal result model", "run", runID, "error", err)

		return syntheticModel(runID, time.Now().Add(-outcome.elapsed), sourceFP, m.StatusInternalError,
			m.OutcomeError, m.FailureSubprocess, "internal: result model could not be sealed")
	}

	model.Duration = outcome.elapsed
	model.SourceFingerprint = sourceFP

	if outcome.covPath != "" && status != m.StatusCancelled && status != m.StatusTimeout {
		coverage, err := adapter.ReadCoverageContexts(outcome.covPath)
		if err != nil {
			slog.Warn("coverage report unavailable", "run", runID, "error", err)
		} else {
			model.Coverage = coverage
		}
	}

	return model
}

func syntheticModel(runID string, startedAt time.Time, sourceFP string, status m.EngineStatus, outcome m.Outcome, kind m.FailureKind, message string) *m.ResultModel {
	model := m.NewResultModel(runID, startedAt)
	model.SourceFingerprint = sourceFP
	model.Set(SyntheticNode, m.NodeResult{
		Outcome: outcome,
		Failure: &m.Failure{Kind: kind, Message: message, Style: m.StyleLine},
	})

	if err := model.Seal(status); err != nil {
		// Single-node models always satisfy the count invariant.
		slog.Error("failed to seal synthetic model", "run", runID, "error", err)
	}

	return model
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
