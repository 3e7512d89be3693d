package buildsys

import (
	"github.com/rotisserie/eris"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskUpToDate  TaskState = "up-to-date"
)

// IsTerminal reports whether the task finished one way or another
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskUpToDate:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether dependents of a task in this state may run
func (s TaskState) IsSuccessful() bool {
	return s == TaskSucceeded || s == TaskUpToDate
}

// ExecutionState maps task names to their current state
type ExecutionState map[string]TaskState

// Transition moves taskName from one state to another and fails if the task isn't in the expected state or the
// transition isn't allowed.
func (s ExecutionState) Transition(taskName string, from, to TaskState) error {
	cur, ok := s[taskName]
	if !ok {
		return eris.Errorf("unknown task %s", taskName)
	}
	if cur != from {
		return eris.Errorf("invalid transition for %s: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return eris.Errorf("disallowed transition for %s: %s -> %s", taskName, from, to)
	}

	s[taskName] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed || to == TaskUpToDate
	default:
		return false
	}
}
