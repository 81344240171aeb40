// Package tools is the per-phase tool registry: the tool definitions sent
// with a turn, the handlers that resolve invocations, and the entity search
// used to assemble scene context.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

var ErrUnknownTool = errors.New("unknown tool")

// Call is one invocation routed to a handler.
type Call struct {
	SessionID  string
	Phase      phase.Phase
	Invocation chat.ToolInvocation
}

// Decode unmarshals the invocation arguments into v.
func (c Call) Decode(v any) error {
	args := c.Invocation.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", c.Invocation.Name, err)
	}
	return nil
}

// Handler resolves an invocation to the content of its tool-result turn.
type Handler func(ctx context.Context, call Call) (string, error)

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
	Handler     Handler
}

// EntitySearcher finds entity names mentioned in text.
type EntitySearcher interface {
	SearchEntities(ctx context.Context, sessionID string, text string) ([]string, error)
}

// EntitySearchFunc adapts a function to EntitySearcher.
type EntitySearchFunc func(ctx context.Context, sessionID string, text string) ([]string, error)

func (f EntitySearchFunc) SearchEntities(ctx context.Context, sessionID string, text string) ([]string, error) {
	return f(ctx, sessionID, text)
}

// Registry holds the tools of one phase. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	tools    map[string]Tool
	order    []string
	searcher EntitySearcher
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool name cannot be empty")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", t.Name)
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// WithSearcher sets the entity searcher; without one, capitalised names
// are used.
func (r *Registry) WithSearcher(s EntitySearcher) *Registry {
	r.searcher = s
	return r
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the tool definitions in registration order, nil if
// the registry is empty.
func (r *Registry) Definitions() []chat.ToolDefinition {
	if r.Len() == 0 {
		return nil
	}
	defs := make([]chat.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, chat.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Invoke runs the handler for the call's tool.
func (r *Registry) Invoke(ctx context.Context, call Call) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Invocation.Name)
	}
	t, ok := r.tools[call.Invocation.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Invocation.Name)
	}
	return t.Handler(ctx, call)
}

// SearchEntities returns entity names mentioned in text.
func (r *Registry) SearchEntities(ctx context.Context, sessionID string, text string) ([]string, error) {
	if r == nil || r.searcher == nil {
		return CapitalisedNames(text), nil
	}
	return r.searcher.SearchEntities(ctx, sessionID, text)
}
