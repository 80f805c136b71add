package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// projectFlag scopes every task command to one project.
var projectFlag string

var rootCmd = &cobra.Command{
	Use:          "tasktree",
	Short:        "Hierarchical task trees with priority-aware ordering",
	Long:         "tasktree keeps per-project task trees: nested subtasks, rolled-up status,\nparent/child priority rules and confirmation-gated reordering.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func defaultProject() string {
	if p := os.Getenv("TASKTREE_PROJECT"); p != "" {
		return p
	}
	return "default"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "P", defaultProject(), "Project to operate on (env TASKTREE_PROJECT)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(serveCmd)
}
