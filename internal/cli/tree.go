package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
	"github.com/spf13/cobra"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the project's task tree",
	RunE:  runTree,
}

func runTree(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.engine.ListProject(ctx, projectFlag)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Printf("%sProject %s is empty.%s Create a task: %stasktree task create \"title\"%s\n",
			colorDim, projectFlag, colorReset, colorCyan, colorReset)
		return nil
	}

	fmt.Printf("%s%s%s\n", colorBold, projectFlag, colorReset)
	for _, t := range tree.DepthFirst(tasks) {
		indent := strings.Repeat("  ", t.Depth)
		title := truncate(t.Title, 60-2*t.Depth)
		fmt.Printf("%s%s%s%s %s%d.%s %s %s[%s]%s\n",
			indent, colorDim, shortID(t.ID), colorReset,
			colorBold, t.SortOrder, colorReset,
			statusMark(t.Status)+" "+title,
			priorityColor(t.Priority), t.Priority, colorReset)
	}
	return nil
}

func statusMark(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case task.StatusInProgress:
		return colorBlue + "●" + colorReset
	default:
		return colorWhite + "○" + colorReset
	}
}

func priorityColor(p task.Priority) string {
	switch p {
	case task.PriorityHigh:
		return colorRed + colorBold
	case task.PriorityMedium:
		return colorYellow
	case task.PriorityLow:
		return colorDim
	default:
		return ""
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
