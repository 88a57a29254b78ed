package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	m "pytx.dev/pkg/pytx/internal/model"
)

// coverageReport mirrors the subset of the coverage JSON report the
// impact analyzer needs: per-file line contexts recorded with
// per-test dynamic contexts enabled.
type coverageReport struct {
	Files map[string]struct {
		Contexts map[string][]string `json:"contexts"`
	} `json:"files"`
}

// ReadCoverageContexts loads a coverage JSON report and inverts its
// per-line contexts into a map from test node to the production files
// that node touched.
func ReadCoverageContexts(path string) (map[m.TestNodeID][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coverage report %s: %w", path, err)
	}

	var report coverageReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse coverage report %s: %w", path, err)
	}

	touched := make(map[m.TestNodeID]map[string]struct{})

	for file, entry := range report.Files {
		for _, contexts := range entry.Contexts {
			for _, ctx := range contexts {
				// Context strings look like "tests/test_x.py::test_a|run";
				// the empty context covers import-time lines and maps to
				// no single test.
				node, _, _ := strings.Cut(ctx, "|")
				if node == "" {
					continue
				}

				files, ok := touched[m.TestNodeID(node)]
				if !ok {
					files = make(map[string]struct{})
					touched[m.TestNodeID(node)] = files
				}

				files[file] = struct{}{}
			}
		}
	}

	result := make(map[m.TestNodeID][]string, len(touched))

	for node, files := range touched {
		list := make([]string, 0, len(files))
		for file := range files {
			list = append(list, file)
		}

		sort.Strings(list)
		result[node] = list
	}

	return result, nil
}
