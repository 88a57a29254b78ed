// Package domain implements the orchestration core: selection,
// output parsing, caching, history, scheduling and impact analysis.
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pytx.dev/pkg/pytx/internal/adapter"
	m "pytx.dev/pkg/pytx/internal/model"
)

// Criteria describes what to select. All fields are optional; empty
// criteria select the whole suite under the working directory.
type Criteria struct {
	// Path restricts collection to a file or directory.
	Path string `json:"path,omitempty"`
	// Keyword is a pytest -k expression.
	Keyword string `json:"keyword,omitempty"`
	// Markers is a pytest -m expression.
	Markers string `json:"markers,omitempty"`
	// NodeIDs selects explicit nodes, bypassing collection.
	NodeIDs []m.TestNodeID `json:"node_ids,omitempty"`
}

func (c Criteria) explicit() bool { return len(c.NodeIDs) > 0 }

// CollectArgs renders the criteria as engine arguments (without the
// collect-only switches).
func (c Criteria) CollectArgs() []string {
	args := make([]string, 0, 6)

	if c.explicit() {
		for _, id := range c.NodeIDs {
			args = append(args, string(id))
		}

		return args
	}

	if c.Path != "" {
		args = append(args, c.Path)
	}

	if c.Keyword != "" {
		args = append(args, "-k", c.Keyword)
	}

	if c.Markers != "" {
		args = append(args, "-m", c.Markers)
	}

	return args
}

// Selection is a resolved, ordered list of test nodes plus the source
// files backing them. Order is the engine's collection order, which is
// deterministic for unchanged source; it feeds the selection
// fingerprint.
type Selection struct {
	Criteria Criteria
	Nodes    []m.TestNodeID

	workDir string
	files   []string
}

// Selector resolves selection criteria into ordered node lists without
// executing any test bodies.
type Selector struct {
	engine  adapter.EngineAdapter
	workDir string
}

// NewSelector constructs a Selector backed by the given engine adapter.
func NewSelector(engine adapter.EngineAdapter, workDir string) *Selector {
	return &Selector{engine: engine, workDir: workDir}
}

// Resolve resolves criteria into a Selection. When some targets cannot
// be enumerated the returned error is a *model.CollectionError and the
// Selection still carries every node that did resolve.
func (s *Selector) Resolve(ctx context.Context, criteria Criteria) (*Selection, error) {
	if criteria.explicit() {
		return s.resolveExplicit(criteria)
	}

	args := append([]string{"--collect-only", "-q"}, criteria.CollectArgs()...)

	output, err := s.engine.Collect(ctx, args)
	if err != nil {
		return nil, err
	}

	nodes, errTargets := parseCollectOutput(string(output))

	selection := s.newSelection(criteria, nodes)

	if len(errTargets) > 0 {
		slog.Warn("collection failed for some targets", "targets", errTargets, "resolved", len(nodes))

		return selection, &m.CollectionError{
			Targets: errTargets,
			Message: strings.Join(errTargets, ", "),
		}
	}

	return selection, nil
}

func (s *Selector) resolveExplicit(criteria Criteria) (*Selection, error) {
	seen := make(map[m.TestNodeID]struct{}, len(criteria.NodeIDs))
	nodes := make([]m.TestNodeID, 0, len(criteria.NodeIDs))

	var bad []string

	for _, id := range criteria.NodeIDs {
		if strings.TrimSpace(string(id)) == "" || strings.HasPrefix(string(id), "::") {
			bad = append(bad, string(id))
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		nodes = append(nodes, id)
	}

	selection := s.newSelection(criteria, nodes)

	if len(bad) > 0 {
		return selection, &m.CollectionError{Targets: bad, Message: "malformed node id(s)"}
	}

	return selection, nil
}

func (s *Selector) newSelection(criteria Criteria, nodes []m.TestNodeID) *Selection {
	return &Selection{
		Criteria: criteria,
		Nodes:    nodes,
		workDir:  s.workDir,
		files:    backingFiles(s.workDir, nodes),
	}
}

// parseCollectOutput extracts node ids from `--collect-only -q` output.
// Node-id lines run until the blank line before the summary; ERROR
// lines name targets that failed to collect.
func parseCollectOutput(output string) ([]m.TestNodeID, []string) {
	var (
		nodes      []m.TestNodeID
		errTargets []string
	)

	inErrors := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "="):
			// Section delimiter, e.g. "==== ERRORS ====".
			inErrors = strings.Contains(line, "ERRORS")
		case strings.HasPrefix(line, "!!!"):
			continue
		case strings.HasPrefix(line, "ERROR"):
			target := strings.TrimSpace(strings.TrimPrefix(line, "ERROR"))
			if target != "" {
				target = strings.SplitN(target, " ", 2)[0]
				errTargets = append(errTargets, target)
			}
		case inErrors:
			continue
		case isCollectSummaryLine(line):
			continue
		default:
			nodes = append(nodes, m.TestNodeID(line))
		}
	}

	return nodes, errTargets
}

// isCollectSummaryLine matches trailing quiet-mode lines such as
// "3 tests collected in 0.05s" or "no tests ran in 0.01s".
func isCollectSummaryLine(line string) bool {
	if !strings.Contains(line, " in ") || !strings.HasSuffix(line, "s") {
		return false
	}

	return strings.Contains(line, "collected") ||
		strings.Contains(line, "no tests ran") ||
		strings.Contains(line, "error") ||
		strings.Contains(line, "deselected")
}

// backingFiles returns the sorted, de-duplicated set of source files
// backing the nodes: the module file of each node plus every
// conftest.py on the path from the working directory down to it.
// Engine plugins installed outside the tree are not fingerprinted.
func backingFiles(workDir string, nodes []m.TestNodeID) []string {
	set := make(map[string]struct{})

	for _, node := range nodes {
		file := node.File()
		if file == "" {
			continue
		}

		set[file] = struct{}{}

		for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
			set[filepath.Join(dir, "conftest.py")] = struct{}{}

			if dir == "." || dir == "/" || dir == "" {
				break
			}
		}
	}

	files := make([]string, 0, len(set))

	for file := range set {
		if _, err := os.Stat(filepath.Join(workDir, file)); err == nil {
			files = append(files, file)
		}
	}

	sort.Strings(files)

	return files
}

// Files returns the backing source file set of the selection.
func (sel *Selection) Files() []string { return sel.files }

// Fingerprint hashes the original criteria plus the resolved, ordered
// node list.
func (sel *Selection) Fingerprint() string {
	parts := make([]string, 0, len(sel.Nodes)+4)
	parts = append(parts,
		"path="+sel.Criteria.Path,
		"k="+sel.Criteria.Keyword,
		"m="+sel.Criteria.Markers,
	)

	for _, node := range sel.Nodes {
		parts = append(parts, string(node))
	}

	return hashStrings(parts)
}

// SourceFingerprint content-hashes the backing file set as it exists
// on disk right now. Missing files contribute a fixed marker so
// deletions change the fingerprint.
func (sel *Selection) SourceFingerprint() (string, error) {
	return hashFiles(sel.workDir, sel.files)
}

// NodeSet returns the selection's nodes as a set for containment
// checks.
func (sel *Selection) NodeSet() map[m.TestNodeID]struct{} {
	set := make(map[m.TestNodeID]struct{}, len(sel.Nodes))
	for _, node := range sel.Nodes {
		set[node] = struct{}{}
	}

	return set
}

// ContainedIn reports whether every node of sel is present in other.
func (sel *Selection) ContainedIn(other *Selection) bool {
	if len(sel.Nodes) > len(other.Nodes) {
		return false
	}

	set := other.NodeSet()

	for _, node := range sel.Nodes {
		if _, ok := set[node]; !ok {
			return false
		}
	}

	return true
}

func (sel *Selection) String() string {
	return fmt.Sprintf("selection(%d nodes, fp=%.12s)", len(sel.Nodes), sel.Fingerprint())
}
