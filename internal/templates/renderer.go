// Package templates implements token substitution for purger header values
// and endpoint paths using Go templates with the sprig helper library.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles and executes token templates. Environment helpers only
// expose variables named in the allow list, and sprig's filesystem helpers
// are removed.
type Renderer struct {
	funcs template.FuncMap
	env   map[string]string

	mu    sync.RWMutex
	cache map[string]*Template
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer. When allowEnv is false the env and
// expandenv helpers resolve to empty strings.
func NewRenderer(allowEnv bool, allowedEnv []string) *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{
		funcs: make(template.FuncMap, len(funcs)+2),
		env:   snapshotEnvironment(allowEnv, allowedEnv),
		cache: make(map[string]*Template),
	}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["env"] = func(key string) string {
		return r.env[key]
	}
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, func(key string) string { return r.env[key] })
	}
	return r
}

func snapshotEnvironment(allowEnv bool, allowed []string) map[string]string {
	env := make(map[string]string)
	if !allowEnv {
		return env
	}
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Substitute replaces tokens in source using data. Sources without template
// actions are returned untouched; compiled templates are cached by source.
func (r *Renderer) Substitute(source string, data any) (string, error) {
	if !strings.Contains(source, "{{") {
		return source, nil
	}
	tmpl, err := r.cached(source)
	if err != nil {
		return "", err
	}
	if tmpl == nil {
		return source, nil
	}
	return tmpl.Render(data)
}

func (r *Renderer) cached(source string) (*Template, error) {
	r.mu.RLock()
	tmpl, ok := r.cache[source]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}
	tmpl, err := r.CompileInline("token", source)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[source] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
