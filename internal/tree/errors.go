package tree

import "fmt"

// Code identifies why an operation was refused.
type Code string

const (
	CodeInvalidInput             Code = "invalid_input"
	CodeInvalidStatus            Code = "invalid_status"
	CodeInvalidPriority          Code = "invalid_priority"
	CodeOutOfRange               Code = "out_of_range"
	CodeInvalidContext           Code = "invalid_context"
	CodePriorityConstraint       Code = "priority_constraint"
	CodeDirectCompletionOfParent Code = "direct_completion_of_parent"
	CodeParentNotFound           Code = "parent_not_found"
	CodeCrossProjectParent       Code = "cross_project_parent"
	CodeCycle                    Code = "cycle"
)

// Failure is a refused operation. It is returned as a value alongside a nil
// error: nothing was mutated and the caller can show Message or act on the
// machine-readable fields.
type Failure struct {
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Range    *PositionRange `json:"valid_range,omitempty"`
	Priority *PriorityCheck `json:"priority,omitempty"`
}

// PositionRange describes an out-of-range reorder target.
type PositionRange struct {
	Attempted int `json:"attempted"`
	Min       int `json:"min"`
	Max       int `json:"max"`
}

func failf(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IntegrityError reports stored data that breaks a tree invariant: a parent
// that does not exist, lives in another project, or a parent chain that
// loops. It indicates corruption and aborts the operation.
type IntegrityError struct {
	TaskID string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error on task %s: %s", e.TaskID, e.Reason)
}
