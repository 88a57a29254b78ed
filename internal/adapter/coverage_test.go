package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	m "pytx.dev/pkg/pytx/internal/model"
)

const coverageFixture = `{
  "files": {
    "app/math.py": {
      "contexts": {
        "1": ["tests/test_math.py::test_add|run"],
        "2": ["tests/test_math.py::test_add|run", "tests/test_math.py::test_sub|run"],
        "3": [""]
      }
    },
    "app/fmt.py": {
      "contexts": {
        "10": ["tests/test_fmt.py::test_render|run"]
      }
    }
  }
}`

func TestReadCoverageContexts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.json")
	require.NoError(t, os.WriteFile(path, []byte(coverageFixture), 0o644))

	coverage, err := ReadCoverageContexts(path)
	require.NoError(t, err)

	require.Equal(t, map[m.TestNodeID][]string{
		"tests/test_math.py::test_add":   {"app/math.py"},
		"tests/test_math.py::test_sub":   {"app/math.py"},
		"tests/test_fmt.py::test_render": {"app/fmt.py"},
	}, coverage)
}

func TestReadCoverageContexts_MissingFile(t *testing.T) {
	_, err := ReadCoverageContexts(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestReadCoverageContexts_MalformedReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadCoverageContexts(path)
	require.Error(t, err)
}
