package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects that have tasks",
	Args:  cobra.NoArgs,
	RunE:  runProjects,
}

func runProjects(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.engine.Projects(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No projects yet.")
		return nil
	}
	for _, id := range ids {
		tasks, err := s.engine.ListProject(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %d task(s)\n", id, len(tasks))
	}
	return nil
}
