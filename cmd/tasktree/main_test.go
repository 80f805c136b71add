package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/rogpeppe/go-internal/testscript"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"tasktree": main,
	})
}

func TestScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
		Setup: func(env *testscript.Env) error {
			home := filepath.Join(env.WorkDir, "home")
			if err := os.MkdirAll(home, 0o755); err != nil {
				return err
			}
			env.Setenv("HOME", home)
			env.Setenv("TASKTREE_PROJECT", "")
			env.Setenv("TASKTREE_DSN", "")
			return nil
		},
		Cmds: map[string]func(ts *testscript.TestScript, neg bool, args []string){
			"envset": cmdEnvSet,
			"taskid": cmdTaskID,
		},
	})
}

// cmdEnvSet stores the trimmed contents of a file in an env var.
func cmdEnvSet(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("envset does not support negation")
	}
	if len(args) != 2 {
		ts.Fatalf("usage: envset VAR FILE")
	}
	ts.Setenv(args[0], strings.TrimSpace(ts.ReadFile(args[1])))
}

// cmdTaskID finds a task by title in `task list --json` output and stores
// its ID in an env var.
func cmdTaskID(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("taskid does not support negation")
	}
	if len(args) != 3 {
		ts.Fatalf("usage: taskid FILE TITLE VAR")
	}

	var tasks []task.Task
	if err := json.Unmarshal([]byte(ts.ReadFile(args[0])), &tasks); err != nil {
		ts.Fatalf("parse task list: %v", err)
	}
	for _, t := range tasks {
		if t.Title == args[1] {
			ts.Setenv(args[2], t.ID)
			return
		}
	}
	ts.Fatalf("task with title %q not found", args[1])
}
