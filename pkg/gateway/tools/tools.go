// Package tools holds the executors the dialogue engine can invoke and the
// registry that dispatches to them. Every execution produces a Result; tool
// faults are data for the model, never errors that abort the turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
)

// Result is the uniform tool outcome envelope. Success responses carry Data;
// failures carry a human-readable Error and nothing else.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// JSON renders the result for insertion into model context. Marshal failures
// degrade to a failure envelope rather than propagating.
func (r Result) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"unserializable tool result"}`
	}
	return string(raw)
}

// Executor is one callable tool.
type Executor interface {
	Name() string
	Description() string

	// Parameters returns the JSON-schema object describing the arguments.
	Parameters() map[string]any

	Execute(ctx context.Context, args map[string]any, data templatedata.ToolData) Result
}

// Registry is a named set of executors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{tools: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	r.tools[e.Name()] = e
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// List returns the executors in stable name order, for building model tool
// declarations.
func (r *Registry) List() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Executor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute dispatches by name. Unknown tools fail softly so the model can
// recover in its next turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, data templatedata.ToolData) Result {
	e, ok := r.Get(name)
	if !ok {
		return Fail("unknown tool %q", name)
	}
	return e.Execute(ctx, args, data)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
