// ============================================================================
// Action Handlers - the units of work a plan step invokes
// ============================================================================
//
// Package: internal/handler
// File: handler.go
// Purpose: Handler contract, typed input/output maps and the action registry.
//
// A Handler with a non-empty Dependency talks to a third-party service and is
// always invoked through the resilience guard by its caller. A Handler with
// an empty Dependency is local (formatting, clarification, scheduling) and is
// called directly.
//
// Errors returned by Call should be *errmodel.Error values so the caller can
// tell retryable from fatal; anything else is treated as fatal.
//
// ============================================================================

package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrUnknownAction is returned when no handler is registered for an action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrDuplicateAction is returned when an action name is registered twice.
	ErrDuplicateAction = errors.New("action already registered")
)

// Input is the resolved input of one step.
type Input map[string]any

// Output is a handler result. The "text" key, when present, is the
// user-facing text of the step.
type Output map[string]any

// KeyText is the conventional output key for user-facing text.
const KeyText = "text"

// Handler performs one action.
type Handler interface {
	Name() string
	Dependency() string
	Call(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to Handler.
type Func struct {
	name string
	dep  string
	fn   func(ctx context.Context, in Input) (Output, error)
}

// NewFunc creates a Handler from fn. dependency may be empty for local work.
func NewFunc(name, dependency string, fn func(ctx context.Context, in Input) (Output, error)) *Func {
	return &Func{name: name, dep: dependency, fn: fn}
}

func (f *Func) Name() string       { return f.name }
func (f *Func) Dependency() string { return f.dep }

func (f *Func) Call(ctx context.Context, in Input) (Output, error) {
	return f.fn(ctx, in)
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handlers. It fails on the first duplicate name.
func (r *Registry) Register(hs ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if _, ok := r.handlers[h.Name()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAction, h.Name())
		}
		r.handlers[h.Name()] = h
	}
	return nil
}

// Get returns the handler for action.
func (r *Registry) Get(action string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return h, nil
}

// Has reports whether action is registered.
func (r *Registry) Has(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[action]
	return ok
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// String returns in[key] as a string, "" when absent.
func (in Input) String(key string) string {
	v, ok := in[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns in[key] as an int. JSON numbers and numeric strings are accepted.
func (in Input) Int(key string, def int) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Text returns the user-facing text of an output, if any.
func (o Output) Text() (string, bool) {
	s, ok := o[KeyText].(string)
	return s, ok && s != ""
}
