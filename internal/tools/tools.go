package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
)

// ErrUnknownTool is returned when no handler is registered for a name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrSchemaViolation is returned when arguments or results fail validation
// against the tool's declared schemas.
var ErrSchemaViolation = errors.New("schema violation")

// Handler executes one tool call. Implementations may be in-process code,
// subprocess IPC, or network RPC; the caller cannot tell and must not care.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool couples a handler with the schemas its inputs and outputs are held to.
type Tool struct {
	Name         string
	InputSchema  *huma.Schema
	OutputSchema *huma.Schema
	Handler      Handler
}

// Invoker is the single boundary through which the orchestrator reaches
// external capabilities. Both sides of every call are validated; a violation
// on either side surfaces as ErrSchemaViolation.
type Invoker struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	registry huma.Registry
}

// NewInvoker returns an empty tool registry.
func NewInvoker() *Invoker {
	return &Invoker{
		tools:    make(map[string]Tool),
		registry: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
	}
}

// Register adds a tool. Registering a duplicate name is a programming error.
func (inv *Invoker) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.tools[t.Name]; ok {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	inv.tools[t.Name] = t
	return nil
}

// Names lists registered tools in sorted order.
func (inv *Invoker) Names() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.tools))
	for n := range inv.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke validates args against the tool's input schema, runs the handler,
// and validates the result against the output schema.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	inv.mu.RLock()
	t, ok := inv.tools[name]
	inv.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := inv.validate(t.InputSchema, args); err != nil {
		return nil, fmt.Errorf("%w: tool %s input: %s", ErrSchemaViolation, name, err)
	}
	out, err := t.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if err := inv.validate(t.OutputSchema, out); err != nil {
		return nil, fmt.Errorf("%w: tool %s output: %s", ErrSchemaViolation, name, err)
	}
	return out, nil
}

func (inv *Invoker) validate(schema *huma.Schema, v map[string]any) error {
	if schema == nil {
		return nil
	}
	pb := huma.NewPathBuffer(nil, 0)
	res := &huma.ValidateResult{}
	huma.Validate(inv.registry, schema, pb, huma.ModeWriteToServer, anyMap(v), res)
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// anyMap widens the map type to what the validator walks.
func anyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// ObjectSchema is a shorthand for the object schemas tools declare.
func ObjectSchema(required []string, props map[string]*huma.Schema) *huma.Schema {
	s := &huma.Schema{
		Type:                 huma.TypeObject,
		Required:             required,
		Properties:           props,
		AdditionalProperties: true,
	}
	// The validator walks only the property and required lists built here.
	s.PrecomputeMessages()
	return s
}
