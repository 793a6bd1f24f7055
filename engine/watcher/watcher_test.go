package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/condition"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) LastValues(ctx context.Context, ocids []int64) (map[int64]Value, error) {
	args := m.Called(ctx, ocids)
	values, _ := args.Get(0).(map[int64]Value)
	return values, args.Error(1)
}

type dispatchRecorder struct {
	mu    sync.Mutex
	calls [][]int64
}

func (d *dispatchRecorder) dispatch(_ context.Context, ids []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ids)
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newRegistry(conditions ...int64) *condition.Registry {
	r := condition.NewRegistry()
	r.Create(condition.NewEntry(1, task.RunOnceOnCondition, "alice", conditions, nil))
	r.InstallParam(1, task.Action{ID: 10}, task.Invocation{Args: map[string]string{}})
	return r
}

func TestTruthy(t *testing.T) {
	t.Run("Should coerce metric values", func(t *testing.T) {
		truthy := []string{`true`, `1`, `-2.5`, `"1"`, `"0.1"`, `"true"`, `"TRUE"`}
		falsy := []string{``, `false`, `0`, `null`, `""`, `"0"`, `"false"`, `"abc"`, `{}`, `[]`}
		for _, v := range truthy {
			assert.True(t, Truthy(json.RawMessage(v)), v)
		}
		for _, v := range falsy {
			assert.False(t, Truthy(json.RawMessage(v)), v)
		}
	})
}

func TestWatcher_Check(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("Should mark settled true values as occurred and dispatch", func(t *testing.T) {
		reg := newRegistry(101, 102)
		hist := &mockHistory{}
		hist.On("LastValues", mock.Anything, []int64{101, 102}).Return(map[int64]Value{
			101: {Timestamp: now.Add(-time.Minute), Data: json.RawMessage(`1`)},
			102: {Timestamp: now.Add(-time.Minute), Data: json.RawMessage(`0`)},
		}, nil)
		rec := &dispatchRecorder{}
		w := New(reg, hist, rec.dispatch, WithClock(clock))
		occurred, err := w.Check(t.Context(), []int64{101, 102})
		require.NoError(t, err)
		assert.Equal(t, []int64{101}, occurred)
		assert.Equal(t, [][]int64{{1}}, rec.calls)
		view, _ := reg.Get(1)
		assert.Equal(t, []int64{102}, view.Waiting)
	})

	t.Run("Should ignore values inside the stabilization window", func(t *testing.T) {
		reg := newRegistry(101)
		hist := &mockHistory{}
		hist.On("LastValues", mock.Anything, []int64{101}).Return(map[int64]Value{
			101: {Timestamp: now.Add(-10 * time.Second), Data: json.RawMessage(`true`)},
		}, nil)
		rec := &dispatchRecorder{}
		w := New(reg, hist, rec.dispatch, WithClock(clock), WithStabilizationWindow(30*time.Second))
		occurred, err := w.Check(t.Context(), []int64{101})
		require.NoError(t, err)
		assert.Empty(t, occurred)
		assert.Zero(t, rec.count())
	})

	t.Run("Should skip the tick on history errors", func(t *testing.T) {
		reg := newRegistry(101)
		hist := &mockHistory{}
		hist.On("LastValues", mock.Anything, []int64{101}).Return(nil, errors.New("redis down"))
		rec := &dispatchRecorder{}
		w := New(reg, hist, rec.dispatch, WithClock(clock))
		_, err := w.Check(t.Context(), []int64{101})
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.ErrCodeLookup))
		view, _ := reg.Get(1)
		assert.Equal(t, []int64{101}, view.Waiting)
		assert.Zero(t, rec.count())
	})

	t.Run("Should not dispatch occurrences no task waits for", func(t *testing.T) {
		reg := newRegistry(101)
		hist := &mockHistory{}
		hist.On("LastValues", mock.Anything, []int64{999}).Return(map[int64]Value{
			999: {Timestamp: now.Add(-time.Hour), Data: json.RawMessage(`1`)},
		}, nil)
		rec := &dispatchRecorder{}
		w := New(reg, hist, rec.dispatch, WithClock(clock))
		occurred, err := w.Check(t.Context(), []int64{999})
		require.NoError(t, err)
		assert.Equal(t, []int64{999}, occurred)
		assert.Zero(t, rec.count())
	})
}

func TestWatcher_Tick(t *testing.T) {
	t.Run("Should do nothing without waiting conditions", func(t *testing.T) {
		hist := &mockHistory{}
		w := New(condition.NewRegistry(), hist, nil)
		w.Tick(t.Context())
		hist.AssertNotCalled(t, "LastValues", mock.Anything, mock.Anything)
	})

	t.Run("Should run on the schedule until stopped", func(t *testing.T) {
		reg := newRegistry(101)
		hist := &mockHistory{}
		hist.On("LastValues", mock.Anything, []int64{101}).Return(map[int64]Value{
			101: {Timestamp: time.Now().Add(-time.Hour), Data: json.RawMessage(`1`)},
		}, nil)
		rec := &dispatchRecorder{}
		w := New(reg, hist, rec.dispatch, WithInterval(time.Second))
		require.NoError(t, w.Start(t.Context()))
		assert.Error(t, w.Start(t.Context()))
		require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)
		w.Stop()
		assert.Empty(t, reg.WaitingOCIDs())
	})
}
