package tplengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasTemplate(t *testing.T) {
	t.Run("Should detect template markers", func(t *testing.T) {
		assert.False(t, HasTemplate(""))
		assert.False(t, HasTemplate("Task %:TASK_NAME:% finished"))
		assert.True(t, HasTemplate("Task {{ .TASK_NAME }} finished"))
		assert.True(t, HasTemplate("{{- .x -}}"))
	})
}

func TestTemplateEngine_RenderString(t *testing.T) {
	t.Run("Should return plain text unchanged", func(t *testing.T) {
		out, err := NewEngine().RenderString("no templates here", nil)
		require.NoError(t, err)
		assert.Equal(t, "no templates here", out)
	})

	t.Run("Should render with sprig functions", func(t *testing.T) {
		out, err := NewEngine().RenderString(`{{ .TASK_NAME | upper }} by {{ default "nobody" .USER }}`, map[string]any{
			"TASK_NAME": "restart",
		})
		require.NoError(t, err)
		assert.Equal(t, "RESTART by nobody", out)
	})

	t.Run("Should escape HTML on request", func(t *testing.T) {
		out, err := NewEngine().RenderString(`{{ htmlEscape .ERROR }}`, map[string]any{"ERROR": "<b>x</b>"})
		require.NoError(t, err)
		assert.Equal(t, "&lt;b&gt;x&lt;/b&gt;", out)
	})

	t.Run("Should fail on malformed templates", func(t *testing.T) {
		_, err := NewEngine().RenderString("{{ .x ", nil)
		require.Error(t, err)
	})
}

func TestTemplateEngine_Render(t *testing.T) {
	t.Run("Should render a named template with global values", func(t *testing.T) {
		e := NewEngine()
		e.AddGlobalValue("PRODUCT", "taskengine")
		e.AddGlobalValue("USER", "system")
		require.NoError(t, e.AddTemplate("approve", "{{ .PRODUCT }}: {{ .USER }} approved {{ .TASK_ID }}"))
		out, err := e.Render("approve", map[string]any{"TASK_ID": 42, "USER": "alice"})
		require.NoError(t, err)
		assert.Equal(t, "taskengine: alice approved 42", out)
	})

	t.Run("Should fail for an unknown template", func(t *testing.T) {
		_, err := NewEngine().Render("missing", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "template not found")
	})
}

func TestTemplateEngine_ParseMap(t *testing.T) {
	t.Run("Should render nested strings and keep other values", func(t *testing.T) {
		out, err := NewEngine().ParseMap(map[string]any{
			"subject": "Task {{ .TASK_ID }}",
			"lines":   []any{"{{ .USER }}", 3},
			"flag":    true,
		}, map[string]any{"TASK_ID": 7, "USER": "bob"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"subject": "Task 7",
			"lines":   []any{"bob", 3},
			"flag":    true,
		}, out)
	})
}
