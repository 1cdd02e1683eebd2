// Package tools models the structured side effects the remote agent can
// request mid-conversation ("consult a colleague", "log an objection").
//
// The session core owns only the dispatch plumbing: schema declaration,
// correlation-id tracking, and result delivery. What a tool actually does
// lives in the prompt/business layer behind the Resolver interface.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

// Package errors.
var (
	// ErrUnknownTool indicates a call for a name nobody registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrUnresolved indicates a resolver returned neither result nor
	// error. Every request must resolve; silent drops stall the turn.
	ErrUnresolved = errors.New("tools: call was not resolved")
)

// Request is a tool call from the remote agent. The dispatcher owns it
// until a Result carrying the same correlation id is produced.
type Request struct {
	// CallID correlates the eventual result with this request.
	CallID string

	// Name is the registered tool name.
	Name string

	// Arguments is the raw JSON argument payload.
	Arguments string
}

// Args unmarshals the request arguments into v.
func (r Request) Args(v any) error {
	if r.Arguments == "" {
		return nil
	}
	return json.Unmarshal([]byte(r.Arguments), v)
}

// Result is the resolved outcome of a Request.
type Result struct {
	// CallID matches the originating request.
	CallID string

	// Output is the string handed back to the remote agent.
	Output string
}

// Definition declares one tool to the remote endpoint.
type Definition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any
}

// Payload returns the wire shape of the definition for a session.update.
func (d Definition) Payload() map[string]any {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type":        "function",
		"name":        d.Name,
		"description": d.Description,
		"parameters":  params,
	}
}

// Define builds a Definition whose parameter schema is reflected from the
// argument struct type of example. JSON tags become property names.
func Define[T any](name, description string) Definition {
	reflector := jsonschema.Reflector{DoNotReference: true}
	var zero T
	schema := reflector.ReflectFromType(reflect.TypeOf(zero))

	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a plain struct type cannot produce an
		// unmarshalable schema; fall back to an open object.
		return Definition{Name: name, Description: description}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return Definition{Name: name, Description: description}
	}
	delete(params, "$schema")

	return Definition{
		Name:        name,
		Description: description,
		Parameters:  params,
	}
}

// Resolver produces the result for a tool request. Implementations may
// resolve synchronously or asynchronously, but must always resolve.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Result, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, req Request) (Result, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Handler is a named tool with a typed-ish handler, mirroring how the
// business layer registers capabilities.
type Handler struct {
	Definition Definition
	Fn         func(ctx context.Context, req Request) (string, error)
}

// Registry maps tool names to handlers and acts as a Resolver.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Re-registering a name replaces it.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Definition.Name] = h
}

// Definitions returns the declared schema of every registered tool.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.handlers))
	for _, h := range r.handlers {
		defs = append(defs, h.Definition)
	}
	return defs
}

// Resolve implements Resolver.
func (r *Registry) Resolve(ctx context.Context, req Request) (Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Name]
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, req.Name)
	}

	out, err := h.Fn(ctx, req)
	if err != nil {
		// The agent still needs a result to continue the turn; errors
		// travel back as tool output, not as dropped calls.
		return Result{CallID: req.CallID, Output: fmt.Sprintf("Error: %v", err)}, nil
	}
	return Result{CallID: req.CallID, Output: out}, nil
}

// Ensure Registry implements Resolver.
var _ Resolver = (*Registry)(nil)
