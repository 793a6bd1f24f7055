package recovery

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() State {
	return State{
		"42": {
			"7": {
				Result: []json.RawMessage{json.RawMessage(`{"ok":true}`)},
				Errors: []string{},
				Param: &task.Invocation{
					ActionID:      "restart",
					ExecutionMode: task.ExecutionModeServer,
					User:          "alice",
					Args:          map[string]string{"o": `[{"id":5,"name":"host5"}]`},
					TaskID:        42,
					TaskActionID:  7,
				},
				Occurred: []int64{101},
			},
		},
	}
}

func TestStore(t *testing.T) {
	t.Run("Should return an empty state for a missing file", func(t *testing.T) {
		st, err := NewStore(afero.NewMemMapFs(), "/data/recovery.json").Load()
		require.NoError(t, err)
		assert.Empty(t, st)
	})

	t.Run("Should round trip and leave no temp files behind", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		store := NewStore(fsys, "/data/recovery.json")
		require.NoError(t, store.Save(sampleState()))
		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, []int64{101}, loaded["42"]["7"].Occurred)
		assert.Equal(t, "alice", loaded["42"]["7"].Param.User)

		entries, err := afero.ReadDir(fsys, "/data")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "recovery.json", entries[0].Name())
	})

	t.Run("Should use the documented field names", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, NewStore(fsys, "r.json").Save(sampleState()))
		data, err := afero.ReadFile(fsys, "r.json")
		require.NoError(t, err)
		var raw map[string]map[string]map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		rec := raw["42"]["7"]
		for _, key := range []string{"result", "errors", "param", "occurredConditionOCIDs"} {
			assert.Contains(t, rec, key)
		}
	})

	t.Run("Should be a fixed point on load and re-save", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		store := NewStore(fsys, "r.json")
		require.NoError(t, store.Save(sampleState()))
		first, err := afero.ReadFile(fsys, "r.json")
		require.NoError(t, err)
		loaded, err := store.Load()
		require.NoError(t, err)
		require.NoError(t, store.Save(loaded))
		second, err := afero.ReadFile(fsys, "r.json")
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})

	t.Run("Should report write failures as persistence errors", func(t *testing.T) {
		store := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/data/r.json")
		err := store.Save(sampleState())
		require.Error(t, err)
		assert.True(t, core.HasCode(err, core.ErrCodePersistence))
	})

	t.Run("Should reject corrupt files", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "r.json", []byte("{not json"), 0o600))
		_, err := NewStore(fsys, "r.json").Load()
		assert.Error(t, err)
	})
}

type countingObserver struct {
	saves atomic.Int32
	fails atomic.Int32
}

func (c *countingObserver) ObserveSave(_ time.Duration, err error) {
	c.saves.Add(1)
	if err != nil {
		c.fails.Add(1)
	}
}

func TestSaver(t *testing.T) {
	t.Run("Should coalesce requests into one follow-up write", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		snapshot := func() State {
			if calls.Add(1) == 1 {
				<-release
			}
			return sampleState()
		}
		s := NewSaver(t.Context(), NewStore(afero.NewMemMapFs(), "r.json"), snapshot)
		s.Request()
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		for range 10 {
			s.Request()
		}
		close(release)
		s.wg.Wait()
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Should write the latest snapshot on flush", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		var mu sync.Mutex
		state := State{}
		s := NewSaver(t.Context(), NewStore(fsys, "r.json"), func() State {
			mu.Lock()
			defer mu.Unlock()
			return state
		})
		mu.Lock()
		state = sampleState()
		mu.Unlock()
		require.NoError(t, s.Flush())
		loaded, err := NewStore(fsys, "r.json").Load()
		require.NoError(t, err)
		assert.Contains(t, loaded, "42")
	})

	t.Run("Should debounce bursts of requests", func(t *testing.T) {
		obs := &countingObserver{}
		s := NewSaver(
			t.Context(),
			NewStore(afero.NewMemMapFs(), "r.json"),
			sampleState,
			WithDebounce(20*time.Millisecond, 200*time.Millisecond),
			WithObserver(obs),
		)
		for range 5 {
			s.Request()
		}
		require.Eventually(t, func() bool { return obs.saves.Load() >= 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), obs.saves.Load())
		require.NoError(t, s.Close())
		assert.Equal(t, int32(2), obs.saves.Load())
	})

	t.Run("Should log and keep going when writes fail", func(t *testing.T) {
		obs := &countingObserver{}
		s := NewSaver(t.Context(), NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/x/r.json"), sampleState, WithObserver(obs))
		s.Request()
		s.wg.Wait()
		assert.Equal(t, int32(1), obs.fails.Load())
		assert.Error(t, s.Flush())
	})

	t.Run("Should ignore requests after close", func(t *testing.T) {
		obs := &countingObserver{}
		s := NewSaver(t.Context(), NewStore(afero.NewMemMapFs(), "r.json"), sampleState, WithObserver(obs))
		require.NoError(t, s.Close())
		s.Request()
		s.wg.Wait()
		assert.Equal(t, int32(1), obs.saves.Load())
	})
}
