package domain

import (
	"log/slog"
	"sort"
	"sync"

	"pytx.dev/pkg/pytx/internal/adapter"
	m "pytx.dev/pkg/pytx/internal/model"
)

// ImpactAnalyzer maps changed files to affected tests through a
// dependency graph derived from coverage contexts embedded in
// coverage-enabled result models. One coarse mutex guards the graph.
type ImpactAnalyzer struct {
	mu      sync.Mutex
	workDir string

	// deps: test node -> production files it touched.
	deps map[m.TestNodeID][]string
	// reverse: file -> nodes touching it.
	reverse map[string]map[m.TestNodeID]struct{}
	// buildFP: content fingerprint of a node's files at last build,
	// used to skip re-deriving nodes that are not stale.
	buildFP map[m.TestNodeID]string
}

// NewImpactAnalyzer creates an empty analyzer rooted at workDir.
func NewImpactAnalyzer(workDir string) *ImpactAnalyzer {
	return &ImpactAnalyzer{
		workDir: workDir,
		deps:    make(map[m.TestNodeID][]string),
		reverse: make(map[string]map[m.TestNodeID]struct{}),
		buildFP: make(map[m.TestNodeID]string),
	}
}

// Update incrementally rebuilds graph entries from a coverage-enabled
// model. Only nodes whose last-build fingerprint is stale are
// re-derived.
func (a *ImpactAnalyzer) Update(model *m.ResultModel) {
	a.mu.Lock()
	defer a.mu.Unlock()

	updated := 0

	for node, files := range model.Coverage {
		fp, err := hashFiles(a.workDir, files)
		if err != nil {
			slog.Warn("impact: cannot fingerprint node files", "node", node, "error", err)
			fp = ""
		}

		if fp != "" && a.buildFP[node] == fp {
			continue
		}

		a.unlink(node)

		sorted := make([]string, len(files))
		copy(sorted, files)
		sort.Strings(sorted)

		a.deps[node] = sorted
		a.buildFP[node] = fp

		for _, file := range sorted {
			nodes, ok := a.reverse[file]
			if !ok {
				nodes = make(map[m.TestNodeID]struct{})
				a.reverse[file] = nodes
			}

			nodes[node] = struct{}{}
		}

		updated++
	}

	if updated > 0 {
		slog.Debug("impact graph updated", "nodes", updated, "run", model.RunID)
	}
}

func (a *ImpactAnalyzer) unlink(node m.TestNodeID) {
	for _, file := range a.deps[node] {
		if nodes, ok := a.reverse[file]; ok {
			delete(nodes, node)

			if len(nodes) == 0 {
				delete(a.reverse, file)
			}
		}
	}

	delete(a.deps, node)
}

// Affected returns the tests touching any of the changed files. A
// changed file absent from the graph triggers the conservative
// fallback: every known test is reported affected, so impact-based
// skipping can never produce a false negative.
func (a *ImpactAnalyzer) Affected(changedFiles []string) []m.TestNodeID {
	a.mu.Lock()
	defer a.mu.Unlock()

	affected := make(map[m.TestNodeID]struct{})

	for _, file := range changedFiles {
		nodes, ok := a.reverse[file]
		if !ok {
			slog.Info("impact: file not in graph, falling back to full set", "file", file)
			return a.allNodesLocked()
		}

		for node := range nodes {
			affected[node] = struct{}{}
		}
	}

	return sortedNodes(affected)
}

// Knows reports whether the file has a graph entry.
func (a *ImpactAnalyzer) Knows(file string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.reverse[file]

	return ok
}

// Nodes returns every test node known to the graph.
func (a *ImpactAnalyzer) Nodes() []m.TestNodeID {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allNodesLocked()
}

func (a *ImpactAnalyzer) allNodesLocked() []m.TestNodeID {
	all := make(map[m.TestNodeID]struct{}, len(a.deps))
	for node := range a.deps {
		all[node] = struct{}{}
	}

	return sortedNodes(all)
}

func sortedNodes(set map[m.TestNodeID]struct{}) []m.TestNodeID {
	nodes := make([]m.TestNodeID, 0, len(set))
	for node := range set {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	return nodes
}

// impactSnapshot is the serialized graph, kept human-inspectable.
type impactSnapshot struct {
	Deps    map[m.TestNodeID][]string `yaml:"deps"`
	BuildFP map[m.TestNodeID]string   `yaml:"build_fingerprints"`
}

// Snapshot persists the graph.
func (a *ImpactAnalyzer) Snapshot(store adapter.SnapshotStore, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return store.Save(path, impactSnapshot{Deps: a.deps, BuildFP: a.buildFP})
}

// Restore loads a snapshot written by Snapshot. Missing or corrupt
// snapshots leave the graph empty.
func (a *ImpactAnalyzer) Restore(store adapter.SnapshotStore, path string) {
	var snapshot impactSnapshot

	ok, err := store.Load(path, &snapshot)
	if err != nil || !ok || snapshot.Deps == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.deps = snapshot.Deps
	a.buildFP = snapshot.BuildFP

	if a.buildFP == nil {
		a.buildFP = make(map[m.TestNodeID]string)
	}

	a.reverse = make(map[string]map[m.TestNodeID]struct{})

	for node, files := range a.deps {
		for _, file := range files {
			nodes, ok := a.reverse[file]
			if !ok {
				nodes = make(map[m.TestNodeID]struct{})
				a.reverse[file] = nodes
			}

			nodes[node] = struct{}{}
		}
	}
}
