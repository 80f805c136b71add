package cli

import (
	"fmt"
	"os"

	"github.com/imkarma/tasktree/internal/worker"
	"github.com/spf13/cobra"
)

var (
	doctorWorkers int
	doctorAll     bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Recompute hierarchy data and repair drift",
	Long: `Rebuilds depth, path, sibling order, priority clamping and rolled-up status
from the parent links. Use --all to rebuild every project in parallel.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().IntVarP(&doctorWorkers, "workers", "w", 4, "Projects to rebuild in parallel")
	doctorCmd.Flags().BoolVar(&doctorAll, "all", false, "Rebuild every project")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	projects := []string{projectFlag}
	if doctorAll {
		if projects, err = s.engine.Projects(ctx); err != nil {
			return err
		}
	}

	pool := worker.NewPool(worker.PoolConfig{
		Rebuilder:  s.engine,
		MaxWorkers: doctorWorkers,
		Logger:     s.log,
	})

	failed := 0
	for _, r := range pool.Run(ctx, projects) {
		if r.Error != nil {
			failed++
			fmt.Printf("%s✗ %s%s: %v\n", colorRed, r.ProjectID, colorReset, r.Error)
			continue
		}
		rep := r.Report
		if !rep.Changed() {
			fmt.Printf("%s✓ %s%s: %d task(s), nothing to repair\n", colorGreen, r.ProjectID, colorReset, rep.Tasks)
			continue
		}
		fmt.Printf("%s✓ %s%s: %d task(s), fixed %d path(s), %d order(s), %d priority(ies), %d status(es)\n",
			colorYellow, r.ProjectID, colorReset, rep.Tasks,
			rep.PathsFixed, rep.OrdersFixed, rep.PrioritiesRaised, rep.StatusesFixed)
	}
	if failed > 0 {
		return fmt.Errorf("%d project(s) could not be rebuilt", failed)
	}
	return nil
}
