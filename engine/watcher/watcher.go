package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/condition"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
)

const (
	DefaultInterval            = 30 * time.Second
	DefaultStabilizationWindow = 30 * time.Second
)

// Value is the latest reading of a metric series.
type Value struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// History returns the latest value of each requested OCID. Unknown OCIDs are
// omitted from the result.
type History interface {
	LastValues(ctx context.Context, ocids []int64) (map[int64]Value, error)
}

// DispatchFunc starts a wave for each task with new occurrences.
type DispatchFunc func(ctx context.Context, taskIDs []int64)

// Observer is notified after each evaluation.
type Observer interface {
	ObserveCheck(checked, occurred int, err error)
}

type Watcher struct {
	registry *condition.Registry
	history  History
	dispatch DispatchFunc
	observer Observer
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Watcher)

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithStabilizationWindow(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

func WithObserver(o Observer) Option {
	return func(w *Watcher) { w.observer = o }
}

func New(registry *condition.Registry, history History, dispatch DispatchFunc, opts ...Option) *Watcher {
	w := &Watcher{
		registry: registry,
		history:  history,
		dispatch: dispatch,
		interval: DefaultInterval,
		window:   DefaultStabilizationWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start schedules ticks. A tick still running when the next one is due
// causes that one to be skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return fmt.Errorf("watcher already started")
	}
	log := cronLogger{log: logger.FromContext(ctx)}
	c := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	if _, err := c.AddFunc("@every "+w.interval.String(), func() { w.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule condition check: %w", err)
	}
	c.Start()
	w.cron = c
	logger.FromContext(ctx).Info("Condition watcher started", "interval", w.interval, "window", w.window)
	return nil
}

// Stop cancels future ticks and waits for a running one.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Tick checks every waiting OCID of the registry.
func (w *Watcher) Tick(ctx context.Context) {
	ocids := w.registry.WaitingOCIDs()
	if len(ocids) == 0 {
		w.dispatchAffected(ctx, nil)
		return
	}
	if _, err := w.Check(ctx, ocids); err != nil {
		logger.FromContext(ctx).Warn("Condition check skipped", "error", err)
	}
}

// Check evaluates ocids now, moves the occurred ones out of the waiting sets
// and dispatches the affected tasks together with the tasks whose held
// occurrences resume. A history error leaves the registry untouched.
func (w *Watcher) Check(ctx context.Context, ocids []int64) ([]int64, error) {
	if len(ocids) == 0 {
		w.dispatchAffected(ctx, nil)
		return nil, nil
	}
	values, err := w.history.LastValues(ctx, ocids)
	if err != nil {
		err = core.NewError(err, core.ErrCodeLookup, map[string]any{"ocids": len(ocids)})
		w.observe(len(ocids), 0, err)
		return nil, err
	}
	now := w.now()
	var occurred []int64
	for _, ocid := range ocids {
		v, ok := values[ocid]
		if !ok {
			continue
		}
		if now.Sub(v.Timestamp) < w.window {
			continue
		}
		if Truthy(v.Data) {
			occurred = append(occurred, ocid)
		}
	}
	w.observe(len(ocids), len(occurred), nil)
	var affected []int64
	if len(occurred) > 0 {
		affected = w.registry.MarkOccurred(occurred)
		logger.FromContext(ctx).Debug("Conditions occurred", "ocids", occurred, "tasks", affected)
	}
	w.dispatchAffected(ctx, affected)
	return occurred, nil
}

// dispatchAffected adds the resumed tasks to affected and dispatches them.
func (w *Watcher) dispatchAffected(ctx context.Context, affected []int64) {
	for _, id := range w.registry.Resume() {
		if !slices.Contains(affected, id) {
			affected = append(affected, id)
		}
	}
	if len(affected) > 0 && w.dispatch != nil {
		slices.Sort(affected)
		w.dispatch(ctx, affected)
	}
}

func (w *Watcher) observe(checked, occurred int, err error) {
	if w.observer != nil {
		w.observer.ObserveCheck(checked, occurred, err)
	}
}

// Truthy coerces a metric value: true, non-zero numbers, numeric strings
// other than zero and "true" hold; everything else does not.
func Truthy(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	res := gjson.ParseBytes(data)
	switch res.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return res.Num != 0
	case gjson.String:
		s := strings.TrimSpace(res.Str)
		if strings.EqualFold(s, "true") {
			return true
		}
		n, err := strconv.ParseFloat(s, 64)
		return err == nil && n != 0
	default:
		return false
	}
}

// cronLogger adapts the engine logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("Cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("Cron: "+msg, append(keysAndValues, "error", err)...)
}
