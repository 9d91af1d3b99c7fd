package workflow

import (
	"bytes"
	"sync"
	"text/template"

	"github.com/c360studio/semhooks/model"
)

// Env is the pipeline execution context: signal fields plus step outputs,
// merged as steps complete. Access is synchronised because independent
// steps run in parallel.
type Env struct {
	mu     sync.Mutex
	values map[string]string
}

// NewEnv creates an environment seeded with initial bindings.
func NewEnv(initial map[string]string) *Env {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Env{values: values}
}

// Set binds a value.
func (e *Env) Set(key, value string) {
	e.mu.Lock()
	e.values[key] = value
	e.mu.Unlock()
}

// Get returns a bound value.
func (e *Env) Get(key string) (string, bool) {
	e.mu.Lock()
	v, ok := e.values[key]
	e.mu.Unlock()
	return v, ok
}

// View returns a point-in-time copy of the bindings for template data.
func (e *Env) View() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Render expands a Go template string against the environment. Unknown
// keys fail rather than silently rendering "<no value>".
func (e *Env) Render(name, tmpl string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", model.StepE(model.CodeTemplateRender, "parse template", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, e.View()); err != nil {
		return "", model.StepE(model.CodeTemplateRender, "render template", err)
	}
	return buf.String(), nil
}
