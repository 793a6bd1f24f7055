package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []task.Invocation
	handler func(inv task.Invocation) (json.RawMessage, error)
}

func (f *fakeInvoker) RunAction(_ context.Context, inv task.Invocation) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.handler == nil {
		return json.RawMessage(`"ok-` + inv.ActionID + `"`), nil
	}
	return f.handler(inv)
}

func (f *fakeInvoker) call(actionID string) (task.Invocation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ActionID == actionID {
			return c, true
		}
	}
	return task.Invocation{}, false
}

type noDirectory struct{}

func (noDirectory) ObjectsByIDs(context.Context, []int64) ([]variables.Object, error) {
	return nil, errors.New("unexpected lookup")
}

func (noDirectory) ObjectsByNames(context.Context, []string) ([]variables.Object, error) {
	return nil, errors.New("unexpected lookup")
}

func (noDirectory) ObjectsByOCIDs(context.Context, []int64) ([]variables.Object, error) {
	return nil, errors.New("unexpected lookup")
}

func act(id int64, opt task.StartupOption, args map[string]string) task.Action {
	return task.Action{ID: id, ActionID: "a" + string(rune('0'+id)), Position: int(id), StartupOption: opt, Args: args}
}

func newExecutor(inv Invoker, opts ...Option) *Executor {
	return NewExecutor(inv, variables.NewResolver(noDirectory{}), opts...)
}

func TestBuild(t *testing.T) {
	t.Run("Should group consecutive parallel and error actions", func(t *testing.T) {
		plan, err := Build([]task.Action{
			act(1, task.OnSuccess, nil),
			act(2, task.Parallel, nil),
			act(3, task.Parallel, nil),
			act(4, task.OnSuccess, nil),
			act(5, task.OnError, nil),
			act(6, task.OnError, nil),
			act(7, task.Parallel, nil),
			act(8, task.Always, nil),
		})
		require.NoError(t, err)
		assert.Equal(t, "1:always 2|3:parallel 4:on_success 5|6:on_error 7:parallel 8:always", plan.String())
		assert.Len(t, plan.Actions(), 8)
	})

	t.Run("Should force the first action to Always regardless of its option", func(t *testing.T) {
		for _, opt := range []task.StartupOption{task.OnSuccess, task.OnError, task.Parallel, task.Always} {
			plan, err := Build([]task.Action{act(1, opt, nil), act(2, task.Parallel, nil)})
			require.NoError(t, err)
			require.Equal(t, KindStep, plan.Root.Children[0].Kind)
			assert.Equal(t, task.Always, plan.Root.Children[0].Actions[0].StartupOption)
		}
	})

	t.Run("Should reject duplicate task actions", func(t *testing.T) {
		_, err := Build([]task.Action{act(1, task.Always, nil), act(1, task.OnSuccess, nil)})
		assert.Error(t, err)
	})
}

func TestExecutor_Run(t *testing.T) {
	t.Run("Should dispatch a parallel batch with the predecessor result", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{
			act(1, task.Always, nil),
			act(2, task.Parallel, map[string]string{"in": "%:PREV_ACTION_RESULT:%"}),
			act(3, task.Parallel, map[string]string{"in": "%:PREV_ACTION_RESULT:%"}),
		})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 10, User: "alice", Session: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, out.Executed)
		b, _ := inv.call("a2")
		c, _ := inv.call("a3")
		assert.Equal(t, "ok-a1", b.Args["in"])
		assert.Equal(t, "ok-a1", c.Args["in"])
		assert.Contains(t, out.Results, int64(2))
		assert.Contains(t, out.Results, int64(3))
		assert.Equal(t, task.ExecutionModeServer, b.ExecutionMode)
		assert.Equal(t, int64(10), b.TaskID)
		assert.Equal(t, int64(2), b.TaskActionID)
		assert.Equal(t, "s1", b.TaskSession)
		assert.Equal(t, "alice", b.User)
	})

	t.Run("Should pass the merged batch result to the next step", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{
			act(1, task.Always, nil),
			act(2, task.Parallel, nil),
			act(3, task.Parallel, nil),
			act(4, task.OnSuccess, map[string]string{"in": "%:PREV_ACTION_RESULT:%"}),
		})
		require.NoError(t, err)
		_, err = newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.NoError(t, err)
		d, ok := inv.call("a4")
		require.True(t, ok)
		assert.JSONEq(t, `{"2":"ok-a2","3":"ok-a3"}`, d.Args["in"])
	})

	t.Run("Should run the first action even when declared on error", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{act(1, task.OnError, nil)})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, out.Executed)
	})

	t.Run("Should skip success steps and run error handlers after a failure", func(t *testing.T) {
		inv := &fakeInvoker{handler: func(i task.Invocation) (json.RawMessage, error) {
			if i.ActionID == "a2" {
				return nil, errors.New("disk full")
			}
			return json.RawMessage(`true`), nil
		}}
		plan, err := Build([]task.Action{
			act(1, task.Always, nil),
			act(2, task.OnSuccess, nil),
			act(3, task.OnSuccess, nil),
			act(4, task.OnError, nil),
			act(5, task.Parallel, nil),
		})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.ErrCodeActionExecution))
		assert.Equal(t, []int64{1, 2, 4}, out.Executed)
		handler, ok := inv.call("a4")
		require.True(t, ok)
		assert.Contains(t, handler.Args[variables.PrevErrorArg], "disk full")
		assert.Len(t, out.Errors[2], 1)
	})

	t.Run("Should skip error handlers when nothing failed", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{act(1, task.Always, nil), act(2, task.OnError, nil), act(3, task.OnSuccess, nil)})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, out.Executed)
	})

	t.Run("Should run Always steps after a failure and clear it on success", func(t *testing.T) {
		inv := &fakeInvoker{handler: func(i task.Invocation) (json.RawMessage, error) {
			if i.ActionID == "a1" {
				return nil, errors.New("boom")
			}
			return json.RawMessage(`"fine"`), nil
		}}
		plan, err := Build([]task.Action{
			act(1, task.Always, nil),
			act(2, task.Always, nil),
			act(3, task.OnSuccess, map[string]string{"in": "%:PREV_ACTION_RESULT:%"}),
		})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.Error(t, err)
		assert.Equal(t, []int64{1, 2, 3}, out.Executed)
		c, _ := inv.call("a3")
		assert.Equal(t, "fine", c.Args["in"])
	})

	t.Run("Should let siblings finish when a batch member fails", func(t *testing.T) {
		release := make(chan struct{})
		inv := &fakeInvoker{handler: func(i task.Invocation) (json.RawMessage, error) {
			switch i.ActionID {
			case "a2":
				close(release)
				return nil, errors.New("member failed")
			case "a3":
				select {
				case <-release:
				case <-time.After(5 * time.Second):
					return nil, errors.New("sibling never released")
				}
				return json.RawMessage(`"slow"`), nil
			}
			return json.RawMessage(`"ok"`), nil
		}}
		plan, err := Build([]task.Action{
			act(1, task.Always, nil),
			act(2, task.Parallel, nil),
			act(3, task.Parallel, nil),
			act(4, task.OnSuccess, nil),
			act(5, task.OnError, nil),
		})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.Error(t, err)
		assert.Equal(t, []json.RawMessage{json.RawMessage(`"slow"`)}, out.Results[3])
		assert.Len(t, out.Errors[2], 1)
		assert.Equal(t, []int64{1, 2, 3, 5}, out.Executed)
	})

	t.Run("Should bound batch concurrency", func(t *testing.T) {
		var running, peak atomic.Int32
		inv := &fakeInvoker{handler: func(task.Invocation) (json.RawMessage, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return json.RawMessage(`1`), nil
		}}
		actions := []task.Action{act(1, task.Always, nil)}
		for id := int64(2); id <= 7; id++ {
			actions = append(actions, act(id, task.Parallel, nil))
		}
		plan, err := Build(actions)
		require.NoError(t, err)
		_, err = newExecutor(inv, WithMaxParallel(2)).Run(t.Context(), plan, Request{TaskID: 1})
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("Should record selector validation errors without invoking", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{act(1, task.Always, map[string]string{variables.ObjectArg: `[1,"x"]`})})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 1})
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.ErrCodeValidation))
		assert.Empty(t, inv.calls)
		assert.Len(t, out.Errors[1], 1)
	})

	t.Run("Should keep the last invocation per action", func(t *testing.T) {
		inv := &fakeInvoker{}
		plan, err := Build([]task.Action{act(1, task.Always, map[string]string{"h": "%:HOST:%"})})
		require.NoError(t, err)
		out, err := newExecutor(inv).Run(t.Context(), plan, Request{TaskID: 3, Vars: map[string]string{"HOST": "db"}})
		require.NoError(t, err)
		assert.Equal(t, "db", out.Invocations[1].Args["h"])
	})
}

type recordingObserver struct {
	mu    sync.Mutex
	count int
	fails int
}

func (r *recordingObserver) ObserveAction(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if err != nil {
		r.fails++
	}
}

func TestExecutor_Observer(t *testing.T) {
	t.Run("Should observe every invocation", func(t *testing.T) {
		obs := &recordingObserver{}
		inv := &fakeInvoker{handler: func(i task.Invocation) (json.RawMessage, error) {
			if i.ActionID == "a2" {
				return nil, errors.New("x")
			}
			return json.RawMessage(`1`), nil
		}}
		plan, err := Build([]task.Action{act(1, task.Always, nil), act(2, task.Always, nil)})
		require.NoError(t, err)
		_, _ = newExecutor(inv, WithObserver(obs)).Run(t.Context(), plan, Request{TaskID: 1})
		assert.Equal(t, 2, obs.count)
		assert.Equal(t, 1, obs.fails)
	})
}
