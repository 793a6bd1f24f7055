package task

import (
	"context"
	"errors"
)

var ErrTaskNotFound = errors.New("task not found")

// ApprovedTask is one row of an approved, not yet completed task. Tasks with
// several conditions produce one row per OCID.
type ApprovedTask struct {
	TaskID   int64   `db:"task_id"`
	RunType  RunType `db:"run_type"`
	OCID     *int64  `db:"ocid"`
	Username string  `db:"username"`
}

// Store is the durable task store.
type Store interface {
	GetApprovedTasks(ctx context.Context) ([]ApprovedTask, error)
	// GetTaskParameters returns the actions of the task in stored order.
	GetTaskParameters(ctx context.Context, username string, taskID int64) ([]Action, error)
	UpdateRunCondition(ctx context.Context, taskID int64, runType RunType) error
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	ChangeGroup(ctx context.Context, taskID int64, groupName string) error
}
