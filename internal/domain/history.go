package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	m "pytx.dev/pkg/pytx/internal/model"
	"pytx.dev/pkg/pytx/pkg"
)

// ErrInsufficientHistory is returned by FlakyScore when fewer than two
// records exist for the node; the score is undefined there, not zero.
var ErrInsufficientHistory = errors.New("history: insufficient data for flaky score")

// DefaultFlakyWindow is the window used when a caller passes zero.
const DefaultFlakyWindow = 10

// historyCapacity bounds the per-node in-memory window; the oldest
// record is evicted FIFO at capacity.
const historyCapacity = 50

// HistoryStore keeps an append-only, bounded outcome history per test
// node. Optionally backed by a durable record log replayed on startup.
// One coarse mutex guards all state.
type HistoryStore struct {
	mu      sync.Mutex
	records map[m.TestNodeID][]m.HistoryRecord
	log     pkg.RecordLog[m.HistoryRecord]
	now     func() time.Time
}

// NewHistoryStore creates an in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		records: make(map[m.TestNodeID][]m.HistoryRecord),
		now:     time.Now,
	}
}

// NewPersistentHistoryStore creates a store backed by the record log
// at path. Existing records are replayed; a missing or corrupt log is
// treated as empty.
func NewPersistentHistoryStore(path string) (*HistoryStore, error) {
	log, err := pkg.OpenRecordLog[m.HistoryRecord](path)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}

	store := NewHistoryStore()
	store.log = log

	err = log.Replay(func(_ uint64, record m.HistoryRecord) error {
		store.append(record)
		return nil
	})
	if err != nil {
		slog.Warn("history replay stopped early", "path", path, "error", err)
	}

	return store, nil
}

// Close releases the backing log, if any.
func (h *HistoryStore) Close() error {
	if h.log == nil {
		return nil
	}

	return h.log.Close()
}

// Record appends one outcome for the node. Called once per invocation
// per touched node; appends are idempotent per (node, runID).
func (h *HistoryStore) Record(node m.TestNodeID, outcome m.Outcome, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	window := h.records[node]
	if n := len(window); n > 0 && window[n-1].RunID == runID {
		return
	}

	record := m.HistoryRecord{
		Node:       node,
		Outcome:    outcome,
		RunID:      runID,
		RecordedAt: h.now(),
	}

	h.append(record)

	if h.log != nil {
		if err := h.log.Append(record); err != nil {
			slog.Error("failed to persist history record", "node", node, "error", err)
		}
	}
}

func (h *HistoryStore) append(record m.HistoryRecord) {
	window := append(h.records[record.Node], record)
	if len(window) > historyCapacity {
		window = window[len(window)-historyCapacity:]
	}

	h.records[record.Node] = window
}

// History returns the recorded outcomes for the node, oldest first.
func (h *HistoryStore) History(node m.TestNodeID) []m.HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	window := h.records[node]
	out := make([]m.HistoryRecord, len(window))
	copy(out, window)

	return out
}

// LastFailed returns the nodes whose most recent recorded outcome is
// failed, sorted for determinism. Callers feed this back into the
// selector as an explicit node-id list for rerun workflows.
func (h *HistoryStore) LastFailed() []m.TestNodeID {
	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []m.TestNodeID

	for node, window := range h.records {
		if len(window) > 0 && window[len(window)-1].Outcome == m.OutcomeFailed {
			failed = append(failed, node)
		}
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	return failed
}

// FlakyScore computes the rate of pass/fail flips across the last
// `window` records: transitions / (window-1), clamped to [0,1]. Fewer
// than two records yields ErrInsufficientHistory.
func (h *HistoryStore) FlakyScore(node m.TestNodeID, window int) (float64, error) {
	if window <= 0 {
		window = DefaultFlakyWindow
	}

	h.mu.Lock()
	records := h.records[node]
	if len(records) > window {
		records = records[len(records)-window:]
	}

	outcomes := make([]m.Outcome, len(records))
	for i, record := range records {
		outcomes[i] = record.Outcome
	}
	h.mu.Unlock()

	if len(outcomes) < 2 {
		return 0, ErrInsufficientHistory
	}

	transitions := 0

	for i := 1; i < len(outcomes); i++ {
		prev, curr := outcomes[i-1], outcomes[i]
		if (prev == m.OutcomePassed && curr == m.OutcomeFailed) ||
			(prev == m.OutcomeFailed && curr == m.OutcomePassed) {
			transitions++
		}
	}

	score := float64(transitions) / float64(window-1)
	if score > 1 {
		score = 1
	}

	return score, nil
}
