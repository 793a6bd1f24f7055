package runner

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/compozy/taskengine/engine/chain"
	"github.com/compozy/taskengine/engine/condition"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/pkg/logger"
)

// dispatch is called by the watcher with the tasks whose conditions moved.
func (e *Engine) dispatch(ctx context.Context, taskIDs []int64) {
	e.requestSave()
	for _, id := range taskIDs {
		e.spawnWaves(ctx, id)
	}
}

func (e *Engine) spawnWaves(ctx context.Context, taskID int64) {
	e.goRun(ctx, func(ctx context.Context) {
		e.runWaves(ctx, taskID)
	})
}

// runWaves dispatches waves for a task until nothing is left to run. A
// wave already running for an action makes the next occurrences wait for
// the goroutine owning that wave.
func (e *Engine) runWaves(ctx context.Context, taskID int64) {
	log := logger.FromContext(ctx).With("task_id", taskID)
	for {
		wave, ok := e.registry.BeginDispatch(taskID)
		if !ok {
			if res := e.registry.Settle(taskID); res.Final != nil {
				e.finalize(ctx, res.Final)
			}
			return
		}
		log.Debug("Dispatching wave", "session", wave.Session, "actions", len(wave.Actions))
		completion, out := e.runWave(ctx, wave)
		res := e.registry.CompleteDispatch(wave, completion)
		e.requestSave()
		switch {
		case !res.Found:
			log.Info("Task cancelled while running, discarding results", "session", wave.Session)
			if res.Resolve && wave.Callback != nil {
				wave.Callback(out.Err(), out.Results, wave.Username)
			}
			return
		case res.Final != nil:
			e.finalize(ctx, res.Final)
			return
		case !res.Pending:
			return
		}
	}
}

// runWave narrows each selector action to the objects of its occurred
// conditions that have not fired yet and runs the chain of the selected
// actions.
func (e *Engine) runWave(ctx context.Context, wave *condition.Wave) (condition.Completion, *chain.Outcome) {
	log := logger.FromContext(ctx).With("task_id", wave.TaskID, "session", wave.Session)
	completion := condition.Completion{
		Fired:  make(map[int64][]int64),
		Errors: make(map[int64][]string),
		Retry:  make(map[int64][]int64),
	}
	var selected []task.Action
	for _, wa := range wave.Actions {
		a := wa.Action
		a.Args = maps.Clone(wa.Param.Args)
		if wa.Selector {
			objects, err := e.directory.ObjectsByOCIDs(ctx, wa.OCIDs)
			if err != nil {
				err = core.NewError(err, core.ErrCodeLookup, map[string]any{"ocids": wa.OCIDs})
				log.Warn("Object lookup failed, retrying on the next check",
					"task_action_id", a.ID, "error", err)
				completion.Retry[a.ID] = wa.OCIDs
				continue
			}
			fired := intersect(wa.Remaining, objects)
			if len(fired) == 0 {
				log.Debug("No pending object occurred", "task_action_id", a.ID, "ocids", wa.OCIDs)
				continue
			}
			a.Args[variables.ObjectArg] = variables.EncodeObjects(fired)
			for _, o := range fired {
				completion.Fired[a.ID] = append(completion.Fired[a.ID], o.ID)
			}
		}
		selected = append(selected, a)
	}
	if len(selected) == 0 {
		return completion, emptyOutcome()
	}
	plan, err := chain.Build(selected)
	if err != nil {
		err = core.NewError(err, core.ErrCodeValidation, map[string]any{"task_id": wave.TaskID})
		for _, a := range selected {
			completion.Errors[a.ID] = append(completion.Errors[a.ID], err.Error())
		}
		return completion, emptyOutcome()
	}
	out, _ := e.executor.Run(ctx, plan, chain.Request{
		TaskID:  wave.TaskID,
		User:    wave.Username,
		Session: wave.Session.String(),
	})
	completion.Results = out.Results
	for id, errs := range out.Errors {
		completion.Errors[id] = append(completion.Errors[id], errs...)
	}
	return completion, out
}

// finalize resolves the callback of a task whose conditions all fired.
func (e *Engine) finalize(ctx context.Context, f *condition.Finalized) {
	log := logger.FromContext(ctx).With("task_id", f.TaskID)
	var runErr error
	if len(f.Errors) > 0 {
		runErr = core.NewError(errors.New(strings.Join(f.Errors, "\n")), core.ErrCodeActionExecution,
			map[string]any{"task_id": f.TaskID, "errors": len(f.Errors)})
	}
	if !f.Permanent {
		if err := e.store.UpdateRunCondition(ctx, f.TaskID, task.RunOnceOnConditionAlreadyFired); err != nil {
			log.Error("Failed to mark task fired", "error", err)
		}
	}
	log.Info("Task conditions completed", "permanent", f.Permanent, "errors", len(f.Errors))
	e.requestSave()
	if f.Callback != nil {
		f.Callback(runErr, f.Results, f.Username)
	}
	e.notifyExecuted(ctx, f.Username, f.TaskID, runErr)
}

// intersect keeps the remaining objects found in occurred, in remaining
// order.
func intersect(remaining, occurred []variables.Object) []variables.Object {
	ids := make([]int64, len(occurred))
	for i, o := range occurred {
		ids[i] = o.ID
	}
	var out []variables.Object
	for _, o := range remaining {
		if slices.Contains(ids, o.ID) {
			out = append(out, o)
		}
	}
	return out
}

func emptyOutcome() *chain.Outcome {
	return &chain.Outcome{Results: task.Results{}, Errors: map[int64][]string{}}
}
