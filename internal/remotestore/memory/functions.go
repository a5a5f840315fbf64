package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FunctionHandler serves an invocation in memory.
type FunctionHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Invocation records one Invoke call.
type Invocation struct {
	Name    string
	Payload json.RawMessage
	Err     error
}

// Functions implements remotestore.Functions with registered handlers.
type Functions struct {
	mu          sync.Mutex
	handlers    map[string]FunctionHandler
	invocations []Invocation
}

// NewFunctions creates an empty function registry.
func NewFunctions() *Functions {
	return &Functions{handlers: make(map[string]FunctionHandler)}
}

// Register installs handler under name.
func (f *Functions) Register(name string, handler FunctionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = handler
}

// Invocations returns the recorded calls in order.
func (f *Functions) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.invocations...)
}

func (f *Functions) Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	f.mu.Lock()
	handler, ok := f.handlers[name]
	f.mu.Unlock()

	var result json.RawMessage
	if !ok {
		err = fmt.Errorf("function %q not found", name)
	} else {
		var out any
		out, err = handler(ctx, body)
		if err == nil {
			result, err = json.Marshal(out)
		}
	}

	f.mu.Lock()
	f.invocations = append(f.invocations, Invocation{Name: name, Payload: body, Err: err})
	f.mu.Unlock()

	return result, err
}
