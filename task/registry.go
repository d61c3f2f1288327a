package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opsforge/taskd/errors"
)

// Executor runs a task. The manager passes the full record so the executor
// can publish progress and observe cancellation at checkpoint boundaries.
//
// Outcome classification by the worker:
//   - nil error: the task completes with the returned value as its result
//   - errors.ErrCancelled (or context cancellation): the task is cancelled
//   - *FailedError: the task fails with the error's reason
//   - anything else: the task fails as an unexpected error
type Executor func(ctx context.Context, rec *Record, params map[string]any) (any, error)

// ValidateFunc checks raw parameters against a job's schema and returns the
// normalized parameter map. Unknown fields are rejected.
type ValidateFunc func(raw json.RawMessage) (map[string]any, error)

// Definition describes a registered job type.
type Definition struct {
	Name     string
	Validate ValidateFunc
	Run      Executor
}

// Registry maps task-type names to their definitions.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition under its name.
// Panics if a definition is already registered with that name.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("definition already registered for task type: %s", def.Name))
	}
	r.defs[def.Name] = def
}

// Get retrieves the definition for a task type.
// Returns nil if none is registered.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// Has checks if a definition is registered for a task type.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.defs[name]
	return exists
}

// Names returns all registered task-type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParams validates raw parameters for a task type and returns the
// normalized map. Returns a *ValidationError with per-field diagnostics on
// schema failure, or an error wrapping nothing useful if the type itself is
// unknown.
func (r *Registry) ValidateParams(taskType string, raw json.RawMessage) (map[string]any, error) {
	def := r.Get(taskType)
	if def == nil {
		return nil, &ValidationError{Fields: map[string]string{
			"task_type": fmt.Sprintf("unknown task type %q; expected one of: %s",
				taskType, strings.Join(r.Names(), ", ")),
		}}
	}
	return def.Validate(raw)
}

// ValidationError carries per-field diagnostics for a schema failure.
// The HTTP adapter surfaces it as 400 with the fields in the envelope
// details.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// IsValidationError checks if an error is a *ValidationError.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
