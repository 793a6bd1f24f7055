package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunType(t *testing.T) {
	t.Run("Should treat values above the discrete codes as schedules", func(t *testing.T) {
		at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		rt := RunAt(at)
		assert.True(t, rt.IsSchedule())
		assert.True(t, rt.ScheduleTime().Equal(at))
		assert.False(t, RunNowAlreadyStarted.IsSchedule())
		assert.True(t, RunNowAlreadyStarted.ScheduleTime().IsZero())
		assert.Equal(t, "run_at(2030-01-02T03:04:05Z)", rt.String())
	})

	t.Run("Should classify conditional and permanent run types", func(t *testing.T) {
		assert.True(t, RunPermanentlyOnCondition.IsConditional())
		assert.True(t, RunOnceOnCondition.IsConditional())
		assert.False(t, RunOnceOnConditionAlreadyFired.IsConditional())
		assert.True(t, RunPermanentlyOnCondition.IsPermanent())
		assert.False(t, RunOnceOnCondition.IsPermanent())
	})

	t.Run("Should name unknown codes", func(t *testing.T) {
		assert.Equal(t, "run_type(5)", RunType(5).String())
		assert.Equal(t, "do_not_run", DoNotRun.String())
	})
}

func TestNormalizeActions(t *testing.T) {
	t.Run("Should sort by position and force the first action to Always", func(t *testing.T) {
		out, err := NormalizeActions([]Action{
			{ID: 2, Position: 1, StartupOption: Parallel},
			{ID: 1, Position: 0, StartupOption: OnError},
		})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, int64(1), out[0].ID)
		assert.Equal(t, Always, out[0].StartupOption)
		assert.Equal(t, Parallel, out[1].StartupOption)
	})

	t.Run("Should not mutate the input", func(t *testing.T) {
		in := []Action{{ID: 1, StartupOption: OnSuccess}}
		_, err := NormalizeActions(in)
		require.NoError(t, err)
		assert.Equal(t, OnSuccess, in[0].StartupOption)
	})

	t.Run("Should reject duplicate ids", func(t *testing.T) {
		_, err := NormalizeActions([]Action{{ID: 1}, {ID: 1, Position: 1}})
		assert.ErrorContains(t, err, "more than once")
	})

	t.Run("Should reject unknown startup options", func(t *testing.T) {
		_, err := NormalizeActions([]Action{{ID: 1}, {ID: 2, Position: 1, StartupOption: 7}})
		assert.ErrorContains(t, err, "unknown startup option")
	})
}

func TestFilterActions(t *testing.T) {
	actions := []Action{{ID: 1}, {ID: 2}, {ID: 3}}
	t.Run("Should keep all actions without a filter", func(t *testing.T) {
		assert.Len(t, FilterActions(actions, nil), 3)
	})
	t.Run("Should keep listed actions in task order", func(t *testing.T) {
		out := FilterActions(actions, []int64{3, 1})
		require.Len(t, out, 2)
		assert.Equal(t, int64(1), out[0].ID)
		assert.Equal(t, int64(3), out[1].ID)
	})
}

func TestResults_Merge(t *testing.T) {
	t.Run("Should append per action in order", func(t *testing.T) {
		r := Results{1: {json.RawMessage(`"a"`)}}
		r.Merge(Results{1: {json.RawMessage(`"b"`)}, 2: {json.RawMessage(`1`)}})
		assert.Equal(t, []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)}, r[1])
		assert.Len(t, r[2], 1)
	})
}
