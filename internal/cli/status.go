package cli

import (
	"fmt"
	"os"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview of the project",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
		fmt.Printf("No tasks. Run: %stasktree task create \"title\"%s\n", colorCyan, colorReset)
		return nil
	}

	counts := map[task.Status]int{}
	var top []task.Task
	for _, t := range tasks {
		counts[t.Status]++
		if t.IsTopLevel() {
			top = append(top, t)
		}
	}

	fmt.Printf("%sTasks in %s: %d total%s\n", colorBold, projectFlag, len(tasks), colorReset)
	fmt.Printf("  %-14s %s%d%s\n", "pending:", colorWhite, counts[task.StatusPending], colorReset)
	fmt.Printf("  %-14s %s%d%s\n", "in_progress:", colorBlue, counts[task.StatusInProgress], colorReset)
	fmt.Printf("  %-14s %s%d%s\n", "completed:", colorGreen, counts[task.StatusCompleted], colorReset)

	fmt.Printf("\n%sTop-level progress:%s\n", colorBold, colorReset)
	for _, t := range tree.DepthFirst(top) {
		pct, err := s.engine.Completion(ctx, projectFlag, t.ID)
		if err != nil {
			return err
		}
		fmt.Printf("  %s%6.2f%%%s  %s\n", colorYellow, pct, colorReset, t.Title)
	}

	return nil
}
