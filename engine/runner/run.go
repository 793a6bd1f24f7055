package runner

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/chain"
	"github.com/compozy/taskengine/engine/condition"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/logger"
)

// RunParams describes a RunTask request.
type RunParams struct {
	TaskID   int64
	UserName string
	// Variables are substituted into %:NAME:% tokens of the action args.
	Variables map[string]string
	// FilterTaskActionIDs restricts the run to these actions when not empty.
	FilterTaskActionIDs []int64
	// ConditionOCIDs defers the run until every listed condition occurred.
	ConditionOCIDs []int64
	// RunType defaults to RunOnceOnCondition with conditions and to an
	// immediate run without.
	RunType *task.RunType
}

// RunTask validates the request synchronously and then either registers the
// task's conditions, arms its schedule or starts its chain. cb receives the
// outcome; it may be nil.
func (e *Engine) RunTask(ctx context.Context, p RunParams, cb task.Callback) error {
	if p.TaskID <= 0 {
		return core.ValidationError("invalid task id %d", p.TaskID)
	}
	runType, err := resolveRunType(p)
	if err != nil {
		return err
	}
	actions, err := e.prepare(ctx, p.UserName, p.TaskID, p.FilterTaskActionIDs, p.Variables)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx).With("task_id", p.TaskID, "run_type", runType.String())
	switch {
	case len(p.ConditionOCIDs) > 0:
		if err := e.register(ctx, p.TaskID, runType, p.UserName, p.ConditionOCIDs, actions, cb); err != nil {
			return err
		}
		e.requestSave()
		log.Info("Task waits for conditions", "ocids", p.ConditionOCIDs)
		return nil
	case runType.IsSchedule():
		if d := runType.ScheduleTime().Sub(e.now()); d > 0 {
			e.schedule(ctx, p.TaskID, p.UserName, d, actions, p.Variables, cb)
			log.Info("Task scheduled", "at", runType.ScheduleTime())
			return nil
		}
		log.Info("Scheduled time already passed, running now")
	case runType == task.RunNow:
		if err := e.store.UpdateRunCondition(ctx, p.TaskID, task.RunNowAlreadyStarted); err != nil {
			return fmt.Errorf("failed to mark task %d started: %w", p.TaskID, err)
		}
	}
	e.runDirect(ctx, p.TaskID, p.UserName, actions, p.Variables, cb)
	return nil
}

// RunTaskSync runs a task without conditions and waits for its outcome.
func (e *Engine) RunTaskSync(ctx context.Context, p RunParams) (task.Results, error) {
	if len(p.ConditionOCIDs) > 0 {
		return nil, core.ValidationError("conditional tasks cannot run synchronously")
	}
	if p.RunType != nil && p.RunType.IsSchedule() {
		return nil, core.ValidationError("scheduled tasks cannot run synchronously")
	}
	type outcome struct {
		results task.Results
		err     error
	}
	done := make(chan outcome, 1)
	err := e.RunTask(ctx, p, func(err error, results task.Results, _ string) {
		done <- outcome{results: results, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case out := <-done:
		return out.results, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolveRunType(p RunParams) (task.RunType, error) {
	conditional := len(p.ConditionOCIDs) > 0
	if p.RunType == nil {
		if conditional {
			return task.RunOnceOnCondition, nil
		}
		return task.RunNowAlreadyStarted, nil
	}
	rt := *p.RunType
	switch {
	case conditional && !rt.IsConditional():
		return 0, core.ValidationError("run type %s cannot wait for conditions", rt)
	case !conditional && rt.IsConditional():
		return 0, core.ValidationError("run type %s needs condition ocids", rt)
	case rt == task.DoNotRun || rt == task.RunOnceOnConditionAlreadyFired:
		return 0, core.ValidationError("run type %s is not runnable", rt)
	case rt < 0 || (!rt.IsSchedule() && rt > task.RunNow && rt != task.RunNowAlreadyStarted):
		return 0, core.ValidationError("unknown run type %d", int64(rt))
	}
	return rt, nil
}

// prepare loads, orders and filters the actions of a task, substitutes the
// caller variables and validates every object selector.
func (e *Engine) prepare(
	ctx context.Context,
	username string,
	taskID int64,
	filter []int64,
	vars map[string]string,
) ([]task.Action, error) {
	stored, err := e.store.GetTaskParameters(ctx, username, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions of task %d: %w", taskID, err)
	}
	ordered, err := task.NormalizeActions(stored)
	if err != nil {
		return nil, core.NewError(err, core.ErrCodeValidation, map[string]any{"task_id": taskID})
	}
	actions := task.FilterActions(ordered, filter)
	if len(actions) == 0 {
		return nil, core.ValidationError("task %d has no actions to run", taskID)
	}
	out := make([]task.Action, len(actions))
	for i, a := range actions {
		args := make(map[string]string, len(a.Args))
		for k, v := range a.Args {
			args[k] = variables.Substitute(v, vars)
		}
		if raw, ok := args[variables.ObjectArg]; ok && !strings.Contains(raw, "%:") {
			if _, err := variables.Classify(raw); err != nil {
				return nil, err
			}
		}
		a.Args = args
		out[i] = a
	}
	return out, nil
}

// register creates the condition entry of a task and installs the pending
// invocation of every action with its selector in canonical form. Callers
// request the save.
func (e *Engine) register(
	ctx context.Context,
	taskID int64,
	runType task.RunType,
	username string,
	ocids []int64,
	actions []task.Action,
	cb task.Callback,
) error {
	params := make([]task.Invocation, len(actions))
	for i, a := range actions {
		args := maps.Clone(a.Args)
		if raw, ok := args[variables.ObjectArg]; ok && !strings.Contains(raw, "%:") {
			normalized, err := e.resolver.Normalize(ctx, raw)
			if err != nil {
				return err
			}
			args[variables.ObjectArg] = normalized
		}
		params[i] = task.Invocation{
			ActionID:      a.ActionID,
			ExecutionMode: task.ExecutionModeServer,
			User:          username,
			Args:          args,
			TaskID:        taskID,
			TaskActionID:  a.ID,
		}
	}
	e.registry.Create(condition.NewEntry(taskID, runType, username, ocids, cb))
	for i, a := range actions {
		a.Args = params[i].Args
		e.registry.InstallParam(taskID, a, params[i])
	}
	return nil
}

func (e *Engine) schedule(
	ctx context.Context,
	taskID int64,
	username string,
	d time.Duration,
	actions []task.Action,
	vars map[string]string,
	cb task.Callback,
) {
	ctx = context.WithoutCancel(ctx)
	e.sched.arm(taskID, d, func() {
		e.runDirect(ctx, taskID, username, actions, vars, cb)
	})
}

// runDirect executes the chain of actions on its own goroutine.
func (e *Engine) runDirect(
	ctx context.Context,
	taskID int64,
	username string,
	actions []task.Action,
	vars map[string]string,
	cb task.Callback,
) {
	e.goRun(ctx, func(ctx context.Context) {
		log := logger.FromContext(ctx).With("task_id", taskID)
		plan, err := chain.Build(actions)
		if err != nil {
			err = core.NewError(err, core.ErrCodeValidation, map[string]any{"task_id": taskID})
			log.Error("Failed to build action chain", "error", err)
			if cb != nil {
				cb(err, task.Results{}, username)
			}
			return
		}
		session, err := core.NewID()
		if err != nil {
			log.Warn("Failed to create task session", "error", err)
		}
		out, runErr := e.executor.Run(ctx, plan, chain.Request{
			TaskID:  taskID,
			User:    username,
			Session: session.String(),
			Vars:    vars,
		})
		log.Info("Task chain finished", "executed", len(out.Executed), "failed", runErr != nil)
		if cb != nil {
			cb(runErr, out.Results, username)
		}
		e.notifyExecuted(ctx, username, taskID, runErr)
	})
}

func (e *Engine) notifyExecuted(ctx context.Context, username string, taskID int64, runErr error) {
	if e.notifier == nil {
		return
	}
	if _, err := e.ProcessWorkflows(ctx, username, taskID, nil, workflow.ActionExecute, runErr); err != nil {
		logger.FromContext(ctx).Warn("Failed to process execute workflow", "task_id", taskID, "error", err)
	}
}
