package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/imkarma/tasktree/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize tasktree in the current directory",
	Long:  "Creates a .tasktree/ directory with default config and database.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check if already initialized.
	if _, err := os.Stat(workspaceDirName); err == nil {
		return fmt.Errorf("tasktree already initialized in this directory (%s/ exists)", workspaceDirName)
	}

	if err := os.MkdirAll(workspaceDirName, 0755); err != nil {
		return fmt.Errorf("create %s: %w", workspaceDirName, err)
	}

	// Write default config.
	cfg := config.DefaultConfig()
	if err := config.Save(workspacePath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Create database by opening store (migration runs automatically).
	s, err := openStore(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	s.Close()

	fmt.Printf("Initialized tasktree in %s/\n", workspaceDirName)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: tasktree task create \"your first task\"")
	fmt.Println("  2. Run: tasktree tree")
	fmt.Println("  3. Run: tasktree ui")

	return nil
}
