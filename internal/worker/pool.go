// Package worker runs administrative tree rebuilds for many projects in
// parallel. Each project is rebuilt in its own transaction; projects do not
// share state, so they can proceed side by side.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/imkarma/tasktree/internal/tree"
)

// Rebuilder rebuilds one project's hierarchy.
type Rebuilder interface {
	RebuildProject(ctx context.Context, projectID string) (tree.RebuildReport, error)
}

// ProjectResult holds the outcome of rebuilding a single project.
type ProjectResult struct {
	ProjectID string
	Report    tree.RebuildReport
	Duration  time.Duration
	Error     error
}

// Pool manages parallel project rebuilds.
type Pool struct {
	rebuilder  Rebuilder
	maxWorkers int
	log        *slog.Logger
}

// PoolConfig holds configuration for creating a worker pool.
type PoolConfig struct {
	Rebuilder  Rebuilder
	MaxWorkers int
	Logger     *slog.Logger
}

// NewPool creates a new worker pool.
func NewPool(pc PoolConfig) *Pool {
	log := pc.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		rebuilder:  pc.Rebuilder,
		maxWorkers: pc.MaxWorkers,
		log:        log,
	}
}

// Run rebuilds every project (up to maxWorkers at a time) and returns the
// results in the order of projects. A failing project does not stop the
// others.
func (p *Pool) Run(ctx context.Context, projects []string) []ProjectResult {
	if p.maxWorkers <= 1 || len(projects) <= 1 {
		return p.runSequential(ctx, projects)
	}
	return p.runParallel(ctx, projects)
}

func (p *Pool) runSequential(ctx context.Context, projects []string) []ProjectResult {
	results := make([]ProjectResult, 0, len(projects))
	for _, id := range projects {
		results = append(results, p.rebuild(ctx, id))
	}
	return results
}

func (p *Pool) runParallel(ctx context.Context, projects []string) []ProjectResult {
	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup

	results := make([]ProjectResult, len(projects))

	for i, id := range projects {
		if err := ctx.Err(); err != nil {
			results[i] = ProjectResult{ProjectID: id, Error: err}
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // Acquire worker slot.

		go func(idx int, projectID string) {
			defer wg.Done()
			defer func() { <-sem }() // Release worker slot.
			results[idx] = p.rebuild(ctx, projectID)
		}(i, id)
	}

	wg.Wait()
	return results
}

func (p *Pool) rebuild(ctx context.Context, projectID string) ProjectResult {
	start := time.Now()
	rep, err := p.rebuilder.RebuildProject(ctx, projectID)
	r := ProjectResult{ProjectID: projectID, Report: rep, Duration: time.Since(start), Error: err}
	if err != nil {
		p.log.Error("rebuild failed", "project", projectID, "err", err)
	}
	return r
}
