package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imkarma/tasktree/internal/task"
	"github.com/imkarma/tasktree/internal/tree"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	taskPriority    string
	taskDescription string
	taskParent      string
	taskDue         string
	taskJSON        bool
	reorderContext  string
	reorderYes      bool
	moveTop         bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or manage tasks",
	Long:  "Create tasks and change their status, priority and position in the tree.",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a new task at the end of its sibling list",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [id] [pending|in_progress|completed]",
	Short: "Set the status of a leaf task",
	Long:  "Sets a leaf task's status and rolls it up to its ancestors. Tasks with subtasks complete when all their subtasks do.",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskStatus,
}

var taskPriorityCmd = &cobra.Command{
	Use:   "priority [id] [low|medium|high]",
	Short: "Set a task's priority",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskPriority,
}

var taskCheckPriorityCmd = &cobra.Command{
	Use:   "check-priority [id] [low|medium|high]",
	Short: "Check whether a priority is allowed under the task's parent",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskCheckPriority,
}

var taskMoveCmd = &cobra.Command{
	Use:   "move [id] [new-parent-id]",
	Short: "Attach a task (and its subtree) to another parent",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runTaskMove,
}

var taskReorderCmd = &cobra.Command{
	Use:   "reorder [id] [position]",
	Short: "Move a task to a position among its siblings",
	Long:  "Moves a task to a 1-based position among its siblings. If the new neighbours imply a different priority, you are asked to confirm the change.",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskReorder,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a task and all its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var taskAncestorsCmd = &cobra.Command{
	Use:   "ancestors [id]",
	Short: "Show the parent chain of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAncestors,
}

var taskCompletionCmd = &cobra.Command{
	Use:   "completion [id]",
	Short: "Show the share of completed leaf tasks below a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCompletion,
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskPriority, "priority", "p", "", "Priority: high, medium, low (default from config, at least the parent's)")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "Task description (markdown)")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task ID")
	taskCreateCmd.Flags().StringVar(&taskDue, "due", "", "Due date (YYYY-MM-DD)")

	taskListCmd.Flags().BoolVar(&taskJSON, "json", false, "Print tasks as JSON")

	taskMoveCmd.Flags().BoolVar(&moveTop, "top", false, "Make the task top-level")

	taskReorderCmd.Flags().StringVar(&reorderContext, "context", "all", "List the position refers to: top-level, subtasks or all")
	taskReorderCmd.Flags().BoolVarP(&reorderYes, "yes", "y", false, "Accept a resulting priority change without asking")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskPriorityCmd)
	taskCmd.AddCommand(taskCheckPriorityCmd)
	taskCmd.AddCommand(taskMoveCmd)
	taskCmd.AddCommand(taskReorderCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskAncestorsCmd)
	taskCmd.AddCommand(taskCompletionCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	in := tree.CreateInput{
		ProjectID:   projectFlag,
		Title:       strings.Join(args, " "),
		Description: taskDescription,
	}
	if taskPriority != "" {
		if in.Priority, err = task.ParsePriority(taskPriority); err != nil {
			return err
		}
	}
	if taskParent != "" {
		if in.ParentID, err = resolveID(ctx, s.engine, projectFlag, taskParent); err != nil {
			return err
		}
	}
	if taskDue != "" {
		due, err := time.Parse(time.DateOnly, taskDue)
		if err != nil {
			return fmt.Errorf("invalid due date %q (want YYYY-MM-DD)", taskDue)
		}
		in.DueDate = &due
	}

	res, err := s.engine.CreateTask(ctx, in)
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	t := res.Task
	fmt.Printf("Created task %s: %s [%s] at position %d\n", t.ID, t.Title, t.Priority, t.SortOrder)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	var filter task.Status
	if len(args) > 0 {
		if filter, err = task.ParseStatus(args[0]); err != nil {
			return err
		}
	}

	tasks, err := s.engine.ListProject(ctx, projectFlag)
	if err != nil {
		return err
	}
	ordered := tree.DepthFirst(tasks)
	if filter != "" {
		kept := ordered[:0]
		for _, t := range ordered {
			if t.Status == filter {
				kept = append(kept, t)
			}
		}
		ordered = kept
	}

	if taskJSON {
		if ordered == nil {
			ordered = []task.Task{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ordered)
	}

	if len(ordered) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	for _, t := range ordered {
		fmt.Printf("%-8s %-12s %-6s %s%d. %s\n", shortID(t.ID), t.Status, t.Priority,
			strings.Repeat("  ", t.Depth), t.SortOrder, t.Title)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
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
	t, err := s.engine.GetTask(ctx, projectFlag, id)
	if err != nil {
		return err
	}
	pct, err := s.engine.Completion(ctx, projectFlag, id)
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Title:      %s\n", t.Title)
	fmt.Printf("  Project:    %s\n", t.ProjectID)
	fmt.Printf("  Status:     %s\n", t.Status)
	fmt.Printf("  Priority:   %s\n", t.Priority)
	fmt.Printf("  Position:   %d\n", t.SortOrder)
	fmt.Printf("  Depth:      %d\n", t.Depth)
	if t.ParentID != "" {
		fmt.Printf("  Parent:     %s\n", t.ParentID)
	}
	fmt.Printf("  Completion: %.2f%%\n", pct)
	if t.DueDate != nil {
		fmt.Printf("  Due:        %s\n", t.DueDate.Format(time.DateOnly))
	}
	if t.MoveCount > 0 {
		fmt.Printf("  Moves:      %d (last %s)\n", t.MoveCount, t.LastMovedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("  Created:    %s\n", t.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:    %s\n", t.UpdatedAt.Format("2006-01-02 15:04"))
	if t.Description != "" {
		fmt.Println()
		fmt.Println(renderMarkdown(t.Description, 2))
	}

	events, err := s.engine.Events(ctx, projectFlag, id)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\n  Events:")
		for _, e := range events {
			fmt.Printf("    %s %s: %s\n", e.Timestamp.Format("15:04"), e.Type, e.Content)
		}
	}

	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
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
	res, err := s.engine.UpdateStatus(ctx, projectFlag, id, args[1])
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	fmt.Printf("Task %s is %s\n", shortID(id), res.Task.Status)
	for _, c := range res.Changes {
		if c.TaskID != id {
			fmt.Printf("  %s: %s -> %s\n", shortID(c.TaskID), c.From, c.To)
		}
	}
	return nil
}

func runTaskPriority(cmd *cobra.Command, args []string) error {
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
	res, err := s.engine.SetPriority(ctx, projectFlag, id, args[1])
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	if !res.Changed {
		fmt.Printf("Task %s already has priority %s\n", shortID(id), res.Task.Priority)
		return nil
	}
	fmt.Printf("Task %s priority set to %s\n", shortID(id), res.Task.Priority)
	if n := len(res.RaisedDescendants); n > 0 {
		fmt.Printf("  raised %d subtask(s) to %s\n", n, res.Task.Priority)
	}
	return nil
}

func runTaskCheckPriority(cmd *cobra.Command, args []string) error {
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
	res, err := s.engine.ValidatePriority(ctx, projectFlag, id, args[1])
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	c := res.Check
	if c.Valid {
		fmt.Printf("Priority %s is allowed\n", c.AttemptedPriority)
		return nil
	}
	fmt.Printf("Priority %s is not allowed: parent has %s, minimum is %s\n",
		c.AttemptedPriority, c.ParentPriority, c.MinimumAllowedPriority)
	return nil
}

func runTaskMove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 && !moveTop {
		return fmt.Errorf("give a new parent ID or --top")
	}
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := resolveID(ctx, s.engine, projectFlag, args[0])
	if err != nil {
		return err
	}
	in := tree.MoveInput{TaskID: id}
	if len(args) == 2 {
		if in.ParentID, err = resolveID(ctx, s.engine, projectFlag, args[1]); err != nil {
			return err
		}
	}

	res, err := s.engine.MoveTask(ctx, projectFlag, in)
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	where := "top level"
	if res.Task.ParentID != "" {
		where = shortID(res.Task.ParentID)
	}
	fmt.Printf("Moved task %s under %s at position %d\n", shortID(id), where, res.Task.SortOrder)
	if res.PriorityChanged {
		fmt.Printf("  priority %s -> %s\n", res.OldPriority, res.NewPriority)
	}
	return nil
}

func runTaskReorder(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pos, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid position: %s", args[1])
	}
	scope, err := tree.ParseScope(reorderContext)
	if err != nil {
		return err
	}
	s, err := mustEngine(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := resolveID(ctx, s.engine, projectFlag, args[0])
	if err != nil {
		return err
	}
	req := tree.ReorderRequest{TaskID: id, ProjectID: projectFlag, NewPosition: pos, Confirmed: reorderYes, Context: scope}
	res, err := s.engine.Reorder(ctx, projectFlag, req)
	if err != nil {
		return err
	}

	if res.RequiresConfirmation {
		c := res.Confirmation
		fmt.Println(c.Message)
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("priority change needs confirmation; re-run with --yes")
		}
		ok, err := confirm("Accept?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Nothing changed.")
			return nil
		}
		req.Confirmed, req.ExpectedPriority = true, c.NewPriority
		if res, err = s.engine.Reorder(ctx, projectFlag, req); err != nil {
			return err
		}
		if res.RequiresConfirmation {
			// The move now resolves to a priority other than the accepted one.
			return fmt.Errorf("the task's neighbours changed (move now sets priority %s); try again", res.Confirmation.NewPriority)
		}
	}
	if res.Failure != nil {
		return failureError(res.Failure)
	}

	if res.OldPosition == res.NewPosition {
		fmt.Printf("Task %s is already at position %d\n", shortID(id), res.NewPosition)
		return nil
	}
	fmt.Printf("Moved task %s from position %d to %d (moves: %d)\n", shortID(id), res.OldPosition, res.NewPosition, res.MoveCount)
	if res.PriorityChanged {
		fmt.Printf("  priority %s -> %s\n", res.OldPriority, res.NewPriority)
	}
	return nil
}

// confirm asks a yes/no question on stdin.
func confirm(message string) (bool, error) {
	fmt.Printf("%s [y/n]: ", message)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, err
	}
	switch strings.ToLower(response) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
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
	res, err := s.engine.DeleteTask(ctx, projectFlag, id)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted task %s and %d subtask(s)\n", shortID(id), res.Deleted-1)
	return nil
}

func runTaskAncestors(cmd *cobra.Command, args []string) error {
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
	chain, err := s.engine.Ancestors(ctx, projectFlag, id)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		fmt.Println("Top-level task.")
		return nil
	}
	for i, a := range chain {
		fmt.Printf("%s%s %s\n", strings.Repeat("  ", i), shortID(a.ID), a.Title)
	}
	return nil
}

func runTaskCompletion(cmd *cobra.Command, args []string) error {
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
	pct, err := s.engine.Completion(ctx, projectFlag, id)
	if err != nil {
		return err
	}
	fmt.Printf("%.2f%%\n", pct)
	return nil
}
