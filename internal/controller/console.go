package controller

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"pytx.dev/pkg/pytx/internal/domain"
	m "pytx.dev/pkg/pytx/internal/model"
)

// ConsoleUI renders resolutions and run results using cobra Command's
// Println.
type ConsoleUI struct {
	cmd *cobra.Command
}

// NewConsoleUI creates a new ConsoleUI.
func NewConsoleUI(cmd *cobra.Command) *ConsoleUI {
	return &ConsoleUI{cmd: cmd}
}

// DisplaySelection prints the resolved test nodes grouped per file.
func (c *ConsoleUI) DisplaySelection(result *domain.ResolveResult) {
	for _, target := range result.FailedTargets {
		c.printf("collection error: %s\n", target)
	}

	statsList := buildSelectionStats(result.Nodes)
	c.printf("\n%s", renderSelectionTable(statsList, result.Total))
}

// DisplayRunResult prints the aggregate counts of a sealed run and a
// detail line per failing test.
func (c *ConsoleUI) DisplayRunResult(model *m.ResultModel) {
	c.printf("run %s finished in %s: %s\n",
		model.RunID, model.Duration.Round(time.Millisecond), model.Status)

	c.printf("\n%s", renderCountsTable(model.Counts))

	failures := model.Failures()
	if len(failures) == 0 {
		return
	}

	c.printf("\nFailures:\n")

	for _, id := range failures {
		result := model.Nodes[id]
		line := "failed"
		if result.Failure != nil && result.Failure.Message != "" {
			line = result.Failure.Message
		}

		c.printf("  %s\n    %s\n", id, strings.ReplaceAll(line, "\n", "\n    "))
	}
}

type selectionStat struct {
	file  string
	count int
}

func buildSelectionStats(nodes []m.TestNodeID) []selectionStat {
	info := make(map[string]int)

	for _, id := range nodes {
		info[id.File()]++
	}

	statsList := make([]selectionStat, 0, len(info))
	for file, count := range info {
		statsList = append(statsList, selectionStat{file: file, count: count})
	}

	sort.Slice(statsList, func(i, j int) bool {
		return statsList[i].file < statsList[j].file
	})

	return statsList
}

func renderSelectionTable(statsList []selectionStat, total int) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"File", "Tests"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER})

	for _, stat := range statsList {
		table.Append([]string{stat.file, fmt.Sprintf("%d", stat.count)})
	}

	table.SetFooter([]string{
		fmt.Sprintf("Total Files %d", len(statsList)),
		fmt.Sprintf("%d", total),
	})

	table.Render()

	return tableBuffer.String()
}

func renderCountsTable(counts m.Counts) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Outcome", "Count"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER})

	rows := []struct {
		label string
		count int
	}{
		{"passed", counts.Passed},
		{"failed", counts.Failed},
		{"skipped", counts.Skipped},
		{"errors", counts.Errors},
		{"xfailed", counts.XFailed},
		{"xpassed", counts.XPassed},
		{"not run", counts.NotRun},
		{"cancelled", counts.Cancelled},
	}

	for _, row := range rows {
		if row.count == 0 {
			continue
		}

		table.Append([]string{row.label, fmt.Sprintf("%d", row.count)})
	}

	table.SetFooter([]string{"Total", fmt.Sprintf("%d", counts.Total())})
	table.Render()

	return tableBuffer.String()
}

func (c *ConsoleUI) printf(format string, args ...any) {
	c.cmd.Printf(format, args...)
}
