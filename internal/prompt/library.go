// Package prompt implements the prompt fabric: a library of named templates
// rendered with per-step variables.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/llmforge/choreo/templates"
)

// Template ids registered by DefaultLibrary.
const (
	TemplatePlanner  = "planner"
	TemplateExecutor = "executor"
)

// TemplateNotFoundError reports a render request for an unregistered
// template id.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("prompt template %q not found", e.TemplateID)
}

// RenderError reports a template that failed to parse or render, typically
// because a referenced variable is missing.
type RenderError struct {
	TemplateID string
	Cause      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %q: %v", e.TemplateID, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Fabric is the interface the agents consume.
type Fabric interface {
	Render(templateID string, vars map[string]any) (string, error)
}

// Library is a concurrency-safe template registry.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

func NewLibrary() *Library {
	return &Library{templates: make(map[string]*template.Template)}
}

// DefaultLibrary returns a library preloaded with the embedded planner and
// executor templates.
func DefaultLibrary() (*Library, error) {
	l := NewLibrary()
	for _, id := range []string{TemplatePlanner, TemplateExecutor} {
		text, err := templates.FS.ReadFile(id + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("load embedded template %q: %w", id, err)
		}
		if err := l.Register(id, string(text)); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register parses and stores a template under id, replacing any previous
// registration.
func (l *Library) Register(id, text string) error {
	tmpl, err := template.New(id).Option("missingkey=error").Parse(text)
	if err != nil {
		return &RenderError{TemplateID: id, Cause: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates[id] = tmpl
	return nil
}

// Render executes the template id with the given variables.
func (l *Library) Render(id string, vars map[string]any) (string, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[id]
	l.mu.RUnlock()
	if !ok {
		return "", &TemplateNotFoundError{TemplateID: id}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", &RenderError{TemplateID: id, Cause: err}
	}
	return sb.String(), nil
}

// IDs returns the registered template ids, sorted.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
