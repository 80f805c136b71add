package cli

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/imkarma/tasktree/internal/tui"
	"github.com/spf13/cobra"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the interactive tree browser",
	Long:  "Opens an interactive browser of the project's task tree with keys to create, reorder, complete and reprioritize tasks.",
	RunE:  runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	// Engine logs would corrupt the alt screen.
	s, err := mustEngine(cmd.Context(), io.Discard)
	if err != nil {
		return err
	}
	defer s.Close()

	p := tea.NewProgram(tui.New(s.engine, projectFlag), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
