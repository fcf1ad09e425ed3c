package executor

import (
	"errors"
	"fmt"
)

var (
	ErrTaskFailed             = errors.New("task failed")
	ErrAgentTurnLimitExceeded = errors.New("agent turn limit exceeded")
	ErrMissingInput           = errors.New("missing required input")
	ErrNoCapability           = errors.New("capability not configured")
)

// TaskFailedError wraps the reason a task failed.
type TaskFailedError struct {
	TaskID string
	Reason error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Unwrap() []error {
	return []error{ErrTaskFailed, e.Reason}
}

func taskFailed(id string, reason error) error {
	var tf *TaskFailedError
	if errors.As(reason, &tf) && tf.TaskID == id {
		return reason
	}
	return &TaskFailedError{TaskID: id, Reason: reason}
}
