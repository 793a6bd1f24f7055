package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/chain"
	"github.com/compozy/taskengine/engine/condition"
	"github.com/compozy/taskengine/engine/recovery"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/engine/watcher"
	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
)

var ErrNoWorkflow = errors.New("workflow notifier is not configured")

// Observer receives the metrics of every engine component.
type Observer interface {
	chain.Observer
	watcher.Observer
	recovery.Observer
}

// Deps are the collaborators of the engine. Notifier and Recovery are
// optional.
type Deps struct {
	Store     task.Store
	Directory variables.Directory
	Invoker   chain.Invoker
	History   watcher.History
	Notifier  *workflow.Notifier
	Recovery  *recovery.Store
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("task store is required")
	case d.Directory == nil:
		return errors.New("object directory is required")
	case d.Invoker == nil:
		return errors.New("action invoker is required")
	case d.History == nil:
		return errors.New("history service is required")
	}
	return nil
}

type Engine struct {
	store     task.Store
	directory variables.Directory
	notifier  *workflow.Notifier
	recovery  *recovery.Store

	registry *condition.Registry
	resolver *variables.Resolver
	executor *chain.Executor
	watcher  *watcher.Watcher
	saver    *recovery.Saver
	sched    *scheduler
	observer Observer
	now      func() time.Time

	runs    sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type Option func(*options)

type options struct {
	observer Observer
	clock    func() time.Time
}

func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.clock = now }
}

func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	e := &Engine{
		store:     deps.Store,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		recovery:  deps.Recovery,
		registry:  condition.NewRegistry(),
		resolver:  variables.NewResolver(deps.Directory),
		sched:     newScheduler(),
		observer:  o.observer,
		now:       o.clock,
	}
	execOpts := []chain.Option{chain.WithMaxParallel(cfg.Engine.MaxParallelActions)}
	watchOpts := []watcher.Option{
		watcher.WithInterval(cfg.Engine.ConditionCheckInterval),
		watcher.WithStabilizationWindow(cfg.Engine.StabilizationWindow),
		watcher.WithClock(o.clock),
	}
	var saveOpts []recovery.SaverOption
	if cfg.Recovery.DebounceWait > 0 {
		saveOpts = append(saveOpts, recovery.WithDebounce(cfg.Recovery.DebounceWait, cfg.Recovery.DebounceMaxWait))
	}
	if o.observer != nil {
		execOpts = append(execOpts, chain.WithObserver(o.observer))
		watchOpts = append(watchOpts, watcher.WithObserver(o.observer))
		saveOpts = append(saveOpts, recovery.WithObserver(o.observer))
	}
	e.executor = chain.NewExecutor(deps.Invoker, e.resolver, execOpts...)
	e.watcher = watcher.New(e.registry, deps.History, e.dispatch, watchOpts...)
	if deps.Recovery != nil {
		e.saver = recovery.NewSaver(ctx, deps.Recovery, e.registry.Snapshot, saveOpts...)
	}
	return e, nil
}

// Registry exposes the condition registry for inspection.
func (e *Engine) Registry() *condition.Registry {
	return e.registry
}

// Start rebuilds the condition registry from the task store, overlays the
// recovery file, arms schedules, starts pending RunNow tasks and starts the
// condition watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	log := logger.FromContext(ctx)
	rows, err := e.store.GetApprovedTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load approved tasks: %w", err)
	}
	approved := groupApproved(rows)
	for _, at := range approved {
		e.seed(ctx, at)
	}
	if e.recovery != nil {
		state, err := e.recovery.Load()
		if err != nil {
			log.Error("Failed to load recovery file", "path", e.recovery.Path(), "error", err)
		} else if dropped := e.registry.Overlay(state); len(dropped) > 0 {
			log.Warn("Dropped recovery entries without an approved task", "tasks", dropped)
		}
	}
	e.requestSave()
	if err := e.watcher.Start(ctx); err != nil {
		return err
	}
	for _, id := range e.registry.TaskIDs() {
		e.spawnWaves(ctx, id)
	}
	log.Info("Task engine started", "approved", len(approved), "waiting", e.registry.Len())
	return nil
}

// Stop halts the watcher and schedules, waits for running chains until ctx
// is done and writes the recovery file a last time.
func (e *Engine) Stop(ctx context.Context) error {
	e.watcher.Stop()
	e.sched.stopAll()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.FromContext(ctx).Warn("Stopping with actions still running", "error", ctx.Err())
	}
	if e.saver != nil {
		return e.saver.Close()
	}
	return nil
}

// Wait blocks until every running chain has finished.
func (e *Engine) Wait() {
	e.runs.Wait()
}

// CheckCondition evaluates ocids immediately instead of waiting for the next
// tick. It returns the OCIDs found occurred.
func (e *Engine) CheckCondition(ctx context.Context, ocids []int64) ([]int64, error) {
	return e.watcher.Check(ctx, ocids)
}

// CancelTaskWithCondition removes the condition entry and any armed schedule
// of a task. Running chains finish but their results are discarded.
func (e *Engine) CancelTaskWithCondition(ctx context.Context, taskID int64) bool {
	removed := e.registry.Delete(taskID)
	disarmed := e.sched.cancel(taskID)
	if removed {
		e.requestSave()
	}
	logger.FromContext(ctx).Info("Task cancelled", "task_id", taskID, "entry", removed, "schedule", disarmed)
	return removed || disarmed
}

// ProcessWorkflows runs the lifecycle transition action of a task through
// the workflow of username, or through rules when given.
func (e *Engine) ProcessWorkflows(
	ctx context.Context,
	username string,
	taskID int64,
	rules []workflow.Rule,
	action string,
	actionErr error,
) (*workflow.Result, error) {
	if e.notifier == nil {
		return nil, ErrNoWorkflow
	}
	return e.notifier.Process(ctx, workflow.Request{
		Username: username,
		TaskID:   taskID,
		Rules:    rules,
		Action:   action,
		Err:      actionErr,
	})
}

func (e *Engine) GetWorkflow(ctx context.Context, username string) ([]workflow.Rule, error) {
	if e.notifier == nil {
		return nil, ErrNoWorkflow
	}
	return e.notifier.GetWorkflow(ctx, username)
}

func (e *Engine) requestSave() {
	if e.saver != nil {
		e.saver.Request()
	}
}

// goRun starts fn detached from the caller's cancellation and tracks it for
// Stop.
func (e *Engine) goRun(ctx context.Context, fn func(ctx context.Context)) {
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		fn(context.WithoutCancel(ctx))
	}()
}
