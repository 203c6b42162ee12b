// Package compute defines the function invocation contract shared by
// the workflow engine, the event fabric and the gateways, plus the
// registry behind the function management service.
package compute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lws.localdev.org/common"
)

var (
	ErrFunctionNotFound = errors.New("function does not exist")
	ErrFunctionExists   = errors.New("function already exists")
	ErrBuiltinNotFound  = errors.New("builtin handler does not exist")
)

// Invoker executes a named function with a JSON payload.
type Invoker interface {
	Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, error)
}

// InvokeError models a handled function error: the function ran and
// reported failure. ErrorType is what workflow retry policies match on.
type InvokeError struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}

// Handler is the in-process implementation of a function.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Function is one managed function. Its code is a named builtin; the
// sandboxed runtime itself is out of scope.
type Function struct {
	Name      string    `json:"name"`
	Builtin   string    `json:"builtin"`
	ARN       string    `json:"arn"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry maps function names to handlers. Builtins are registered
// once during startup; functions may be created and deleted at runtime
// through the management service.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Handler
	functions map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins:  make(map[string]Handler),
		functions: make(map[string]Function),
	}
}

// RegisterBuiltin installs a named handler. Later registrations under
// the same name replace earlier ones.
func (r *Registry) RegisterBuiltin(name string, h Handler) {
	r.mu.Lock()
	r.builtins[name] = h
	r.mu.Unlock()
}

// CreateFunction registers a function backed by a builtin.
func (r *Registry) CreateFunction(name, builtin string) (Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[name]; ok {
		return Function{}, fmt.Errorf("%w: %s", ErrFunctionExists, name)
	}
	if _, ok := r.builtins[builtin]; !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrBuiltinNotFound, builtin)
	}
	fn := Function{
		Name:      name,
		Builtin:   builtin,
		ARN:       common.FunctionARN(name),
		CreatedAt: time.Now().UTC(),
	}
	r.functions[name] = fn
	return fn, nil
}

// GetFunction returns one function record.
func (r *Registry) GetFunction(name string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	if !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return fn, nil
}

// ListFunctions returns all functions in name order.
func (r *Registry) ListFunctions() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Function, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeleteFunction removes a function record. The builtin stays.
func (r *Registry) DeleteFunction(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	delete(r.functions, name)
	return nil
}

// Invoke runs a function synchronously. A handler panic surfaces as a
// handled InvokeError rather than crashing the caller.
func (r *Registry) Invoke(ctx context.Context, functionName string, payload []byte) (out []byte, err error) {
	r.mu.RLock()
	fn, ok := r.functions[functionName]
	var h Handler
	if ok {
		h = r.builtins[fn.Builtin]
	} else {
		// Builtins are directly invocable without a function record.
		h = r.builtins[functionName]
	}
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, functionName)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &InvokeError{ErrorType: "Runtime.Panic", ErrorMessage: fmt.Sprint(rec)}
		}
	}()
	return h(ctx, payload)
}
