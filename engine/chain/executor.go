package chain

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Invoker runs a single action on the worker fleet.
type Invoker interface {
	RunAction(ctx context.Context, inv task.Invocation) (json.RawMessage, error)
}

// Observer is notified after each action invocation.
type Observer interface {
	ObserveAction(actionID string, elapsed time.Duration, err error)
}

// Request carries the context shared by every action of one run.
type Request struct {
	TaskID  int64
	User    string
	Session string
	Vars    map[string]string
}

// Outcome collects what a run produced.
type Outcome struct {
	mu          sync.Mutex
	Results     task.Results
	Errors      map[int64][]string
	Invocations map[int64]task.Invocation
	// Executed lists TaskAction ids in dispatch order.
	Executed []int64
	errs     []error
}

func newOutcome() *Outcome {
	return &Outcome{
		Results:     make(task.Results),
		Errors:      make(map[int64][]string),
		Invocations: make(map[int64]task.Invocation),
	}
}

// Err joins every action error of the run.
func (o *Outcome) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Join(o.errs...)
}

func (o *Outcome) dispatched(ids ...int64) {
	o.mu.Lock()
	o.Executed = append(o.Executed, ids...)
	o.mu.Unlock()
}

func (o *Outcome) record(a task.Action, inv *task.Invocation, result json.RawMessage, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inv != nil {
		o.Invocations[a.ID] = *inv
	}
	if err != nil {
		o.Errors[a.ID] = append(o.Errors[a.ID], err.Error())
		o.errs = append(o.errs, err)
		return
	}
	o.Results[a.ID] = append(o.Results[a.ID], result)
}

type Executor struct {
	invoker     Invoker
	resolver    *variables.Resolver
	observer    Observer
	maxParallel int
}

type Option func(*Executor)

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithMaxParallel bounds the members of a parallel batch running at once.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

func NewExecutor(invoker Invoker, resolver *variables.Resolver, opts ...Option) *Executor {
	e := &Executor{invoker: invoker, resolver: resolver}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is threaded through the plan while it executes.
type runState struct {
	failed  bool
	hasPrev bool
	prev    string
	errText []string
}

func (s *runState) fail(err error) {
	s.failed = true
	s.errText = append(s.errText, err.Error())
}

// Run interprets the plan. The returned error joins all action errors; the
// outcome is always non-nil.
func (e *Executor) Run(ctx context.Context, plan *Plan, req Request) (*Outcome, error) {
	log := logger.FromContext(ctx).With("task_id", req.TaskID, "session", req.Session)
	log.Debug("Running action chain", "plan", plan.String())
	out := newOutcome()
	st := &runState{}
	for _, node := range plan.Root.Children {
		switch node.Kind {
		case KindStep:
			a := node.Actions[0]
			if a.StartupOption != task.Always && st.failed {
				log.Debug("Skipping action after failure", "task_action_id", a.ID)
				continue
			}
			out.dispatched(a.ID)
			result, err := e.invoke(ctx, req, a, st.vars(req.Vars), nil, out)
			if err != nil {
				st.fail(err)
				continue
			}
			st.failed = false
			st.setPrev(resultText(result))
		case KindErrorHandler:
			if !st.failed {
				continue
			}
			for _, a := range node.Actions {
				out.dispatched(a.ID)
				extra := map[string]string{variables.PrevErrorArg: strings.Join(st.errText, "\n")}
				if _, err := e.invoke(ctx, req, a, st.vars(req.Vars), extra, out); err != nil {
					st.errText = append(st.errText, err.Error())
				}
			}
		case KindParallelBatch:
			if st.failed {
				continue
			}
			e.runBatch(ctx, req, node.Actions, st, out)
		}
	}
	return out, out.Err()
}

func (e *Executor) runBatch(ctx context.Context, req Request, actions []task.Action, st *runState, out *Outcome) {
	ids := make([]int64, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	out.dispatched(ids...)
	vars := st.vars(req.Vars)
	var (
		g      errgroup.Group
		mu     sync.Mutex
		merged = make(map[string]json.RawMessage, len(actions))
		errs   []error
	)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, a := range actions {
		g.Go(func() error {
			result, err := e.invoke(ctx, req, a, vars, nil, out)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			merged[strconv.FormatInt(a.ID, 10)] = result
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		st.fail(err)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		data = []byte("{}")
	}
	st.setPrev(string(data))
}

func (e *Executor) invoke(
	ctx context.Context,
	req Request,
	a task.Action,
	vars map[string]string,
	extra map[string]string,
	out *Outcome,
) (json.RawMessage, error) {
	args, err := e.resolver.Resolve(ctx, a.Args, vars)
	if err != nil {
		err = actionError(a, err)
		out.record(a, nil, nil, err)
		return nil, err
	}
	maps.Copy(args, extra)
	inv := task.Invocation{
		ActionID:      a.ActionID,
		ExecutionMode: task.ExecutionModeServer,
		User:          req.User,
		Args:          args,
		TaskID:        req.TaskID,
		TaskActionID:  a.ID,
		TaskSession:   req.Session,
	}
	start := time.Now()
	result, err := e.invoker.RunAction(ctx, inv)
	if e.observer != nil {
		e.observer.ObserveAction(a.ActionID, time.Since(start), err)
	}
	if err != nil {
		err = actionError(a, err)
		logger.FromContext(ctx).Warn("Action failed",
			"task_id", req.TaskID, "task_action_id", a.ID, "action", a.ActionID, "error", err)
	}
	out.record(a, &inv, result, err)
	return result, err
}

func actionError(a task.Action, err error) error {
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr.Code == core.ErrCodeValidation {
		return err
	}
	return core.NewError(err, core.ErrCodeActionExecution, map[string]any{
		"task_action_id": a.ID,
		"action_id":      a.ActionID,
	})
}

func (s *runState) vars(base map[string]string) map[string]string {
	if !s.hasPrev {
		return base
	}
	return variables.WithVar(base, variables.PrevResultVar, s.prev)
}

func (s *runState) setPrev(v string) {
	s.prev = v
	s.hasPrev = true
}

// resultText unwraps JSON strings; other results are used as raw JSON text.
func resultText(r json.RawMessage) string {
	if len(r) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return string(r)
}
