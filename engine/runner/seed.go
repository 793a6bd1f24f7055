package runner

import (
	"context"

	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
)

// approvedTask merges the per-condition rows of one approved task.
type approvedTask struct {
	TaskID   int64
	RunType  task.RunType
	Username string
	OCIDs    []int64
}

func groupApproved(rows []task.ApprovedTask) []*approvedTask {
	byID := make(map[int64]*approvedTask)
	var out []*approvedTask
	for _, row := range rows {
		at, ok := byID[row.TaskID]
		if !ok {
			at = &approvedTask{TaskID: row.TaskID, RunType: row.RunType, Username: row.Username}
			byID[row.TaskID] = at
			out = append(out, at)
		}
		if row.OCID != nil {
			at.OCIDs = append(at.OCIDs, *row.OCID)
		}
	}
	return out
}

// seed restores the runtime state of an approved task. Failures are logged
// so one broken task does not keep the others from starting.
func (e *Engine) seed(ctx context.Context, at *approvedTask) {
	log := logger.FromContext(ctx).With("task_id", at.TaskID, "run_type", at.RunType.String())
	switch {
	case at.RunType.IsConditional():
		if len(at.OCIDs) == 0 {
			log.Warn("Conditional task has no conditions, skipping")
			return
		}
		actions, err := e.prepare(ctx, at.Username, at.TaskID, nil, nil)
		if err != nil {
			log.Error("Failed to load task actions", "error", err)
			return
		}
		if err := e.register(ctx, at.TaskID, at.RunType, at.Username, at.OCIDs, actions, nil); err != nil {
			log.Error("Failed to register task conditions", "error", err)
		}
	case at.RunType.IsSchedule():
		d := at.RunType.ScheduleTime().Sub(e.now())
		if d <= 0 {
			log.Warn("Scheduled time already passed, skipping", "at", at.RunType.ScheduleTime())
			return
		}
		actions, err := e.prepare(ctx, at.Username, at.TaskID, nil, nil)
		if err != nil {
			log.Error("Failed to load task actions", "error", err)
			return
		}
		e.schedule(ctx, at.TaskID, at.Username, d, actions, nil, e.logOutcome(ctx, at.TaskID))
	case at.RunType == task.RunNow:
		actions, err := e.prepare(ctx, at.Username, at.TaskID, nil, nil)
		if err != nil {
			log.Error("Failed to load task actions", "error", err)
			return
		}
		if err := e.store.UpdateRunCondition(ctx, at.TaskID, task.RunNowAlreadyStarted); err != nil {
			log.Error("Failed to mark task started", "error", err)
			return
		}
		e.runDirect(ctx, at.TaskID, at.Username, actions, nil, e.logOutcome(ctx, at.TaskID))
	}
}

// logOutcome is the callback of runs started by the engine itself.
func (e *Engine) logOutcome(ctx context.Context, taskID int64) task.Callback {
	log := logger.FromContext(ctx).With("task_id", taskID)
	return func(err error, results task.Results, username string) {
		if err != nil {
			log.Warn("Task finished with errors", "user", username, "error", err)
			return
		}
		log.Info("Task finished", "user", username, "results", len(results))
	}
}
