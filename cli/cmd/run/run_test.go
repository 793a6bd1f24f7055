package run

import (
	"testing"

	"github.com/compozy/taskengine/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsFromFlags(t *testing.T) {
	t.Run("Should build an immediate run from the flags", func(t *testing.T) {
		c := NewRunCommand()
		require.NoError(t, c.ParseFlags([]string{
			"--task", "42", "--user", "alice",
			"--var", "HOST=web1", "--var", "PORT=22",
			"--action", "7", "--action", "9",
		}))
		p, err := paramsFromFlags(c)
		require.NoError(t, err)
		assert.Equal(t, int64(42), p.TaskID)
		assert.Equal(t, "alice", p.UserName)
		assert.Equal(t, map[string]string{"HOST": "web1", "PORT": "22"}, p.Variables)
		assert.Equal(t, []int64{7, 9}, p.FilterTaskActionIDs)
		assert.Nil(t, p.RunType)
		assert.Empty(t, p.ConditionOCIDs)
	})

	t.Run("Should request RunNow when the task is marked started", func(t *testing.T) {
		c := NewRunCommand()
		require.NoError(t, c.ParseFlags([]string{"--task", "1", "--mark-started"}))
		p, err := paramsFromFlags(c)
		require.NoError(t, err)
		require.NotNil(t, p.RunType)
		assert.Equal(t, task.RunNow, *p.RunType)
	})

	t.Run("Should reject a non numeric task id", func(t *testing.T) {
		c := NewRunCommand()
		require.Error(t, c.ParseFlags([]string{"--task", "abc"}))
	})
}
