package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show event log for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := resolveID(ctx, s.engine, projectFlag, args[0])
	if err != nil {
		return err
	}
	events, err := s.engine.Events(ctx, projectFlag, id)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for task %s\n", shortID(id))
		return nil
	}

	fmt.Printf("Events for task %s:\n\n", shortID(id))
	for _, e := range events {
		fmt.Printf("  %s  %-18s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.Content)
	}
	return nil
}
