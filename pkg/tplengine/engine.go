package tplengine

import (
	"bytes"
	"fmt"
	"html"
	"maps"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateEngine renders notification templates with the sprig function set.
type TemplateEngine struct {
	mu           sync.RWMutex
	templates    map[string]*template.Template
	globalValues map[string]any
}

func NewEngine() *TemplateEngine {
	return &TemplateEngine{
		templates:    make(map[string]*template.Template),
		globalValues: make(map[string]any),
	}
}

func funcMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["htmlEscape"] = html.EscapeString
	return fm
}

// HasTemplate reports whether s contains Go template markers.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func parse(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(funcMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return tmpl, nil
}

// AddTemplate registers a named template for later Render calls.
func (e *TemplateEngine) AddTemplate(name, text string) error {
	tmpl, err := parse(name, text)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[name] = tmpl
	return nil
}

// AddGlobalValue exposes a value to every render; call-site values win.
func (e *TemplateEngine) AddGlobalValue(name string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalValues[name] = value
}

func (e *TemplateEngine) Render(name string, data map[string]any) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}
	return e.execute(tmpl, data)
}

// RenderString renders an inline template. Text without markers is returned as is.
func (e *TemplateEngine) RenderString(text string, data map[string]any) (string, error) {
	if !HasTemplate(text) {
		return text, nil
	}
	tmpl, err := parse("inline", text)
	if err != nil {
		return "", err
	}
	return e.execute(tmpl, data)
}

func (e *TemplateEngine) execute(tmpl *template.Template, data map[string]any) (string, error) {
	e.mu.RLock()
	ctx := maps.Clone(e.globalValues)
	e.mu.RUnlock()
	maps.Copy(ctx, data)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return buf.String(), nil
}

// ParseMap renders every string found in value, walking maps and slices.
func (e *TemplateEngine) ParseMap(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return e.RenderString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			parsed, err := e.ParseMap(item, data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse template in map key %s: %w", k, err)
			}
			out[k] = parsed
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			parsed, err := e.ParseMap(item, data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse template in array index %d: %w", i, err)
			}
			out[i] = parsed
		}
		return out, nil
	default:
		return v, nil
	}
}
