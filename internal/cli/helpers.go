package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/imkarma/tasktree/internal/config"
	"github.com/imkarma/tasktree/internal/logging"
	"github.com/imkarma/tasktree/internal/pgstore"
	"github.com/imkarma/tasktree/internal/store"
	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
)

const workspaceDirName = ".tasktree"

// workspacePath returns the path to a file inside .tasktree/.
func workspacePath(parts ...string) string {
	elems := append([]string{workspaceDirName}, parts...)
	return filepath.Join(elems...)
}

// loadConfig reads .tasktree/config.yaml, returning an error if tasktree is
// not initialized.
func loadConfig() (*config.Config, error) {
	cfgPath := workspacePath("config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("tasktree not initialized. Run: tasktree init")
	}
	return config.Load(cfgPath)
}

// openStore opens the backend selected by cfg.
func openStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	if cfg.Database.Driver == config.DriverPostgres {
		s, err := pgstore.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	path := cfg.Database.Path
	if !filepath.IsAbs(path) {
		path = workspacePath(path)
	}
	s, err := store.New(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// session bundles what a command needs to talk to the engine.
type session struct {
	cfg    *config.Config
	store  task.Store
	engine *tree.Engine
	log    *slog.Logger
}

func (s *session) Close() error {
	return s.store.Close()
}

// mustEngine loads the config, opens the store and builds an engine whose
// logs go to logOut.
func mustEngine(ctx context.Context, logOut io.Writer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log := logging.New(cfg.Log, logOut)
	e := tree.New(s, tree.Options{
		Logger:          log,
		DefaultPriority: cfg.DefaultPriority(),
	})
	return &session{cfg: cfg, store: s, engine: e, log: log}, nil
}

// failureError turns a refused operation into a command error.
func failureError(f *tree.Failure) error {
	return fmt.Errorf("%s: %s", f.Code, f.Message)
}

// resolveID expands a shortened task ID to the full ID of a task in the
// project. Full IDs are returned unchanged.
func resolveID(ctx context.Context, e *tree.Engine, project, arg string) (string, error) {
	if len(arg) >= 36 {
		return arg, nil
	}
	tasks, err := e.ListProject(ctx, project)
	if err != nil {
		return "", err
	}
	var match string
	for _, t := range tasks {
		if strings.HasSuffix(t.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("task ID %q is ambiguous", arg)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("task %s in project %s: %w", arg, project, task.ErrNotFound)
	}
	return match, nil
}

// shortID shortens a task ID for display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
