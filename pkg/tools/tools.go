// Package tools implements the local agent's Tool Dispatcher.
//
// Each tool is a function that receives a JSON arguments object and returns
// a JSON result (or an error). Tools belong to one of four capabilities
// (files, web, productivity, comms) listed in the Catalog. Handlers are
// registered by name at startup and Registry.Validate checks the registry
// against the catalog before the agent starts polling.
//
// Every handler may run more than once for the same WorkItem (the relay is
// at-least-once). Reads are naturally safe; create operations use an
// idempotency key, see IdempotencyKey.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

var (
	// ErrUnknownTool is wrapped by Execute for names with no handler.
	// The error text reads "Unknown tool: <name>".
	ErrUnknownTool = errors.New("Unknown tool")

	// ErrAccessDenied is returned for file paths outside the base directory.
	ErrAccessDenied = errors.New("Access denied: path outside base directory")
)

// Result is the output of a tool execution.
type Result struct {
	// Output is the JSON-encoded tool result. It must be valid JSON.
	Output json.RawMessage
}

// Executor is a function that executes a tool call.
// ctx carries the deadline/cancellation and the relay request id.
type Executor func(ctx context.Context, args json.RawMessage) (Result, error)

// Registry maps tool names to their executor functions.
type Registry struct {
	catalog   Catalog
	executors map[string]Executor
}

// NewRegistry creates an empty registry checked against catalog.
func NewRegistry(catalog Catalog) *Registry {
	return &Registry{
		catalog:   catalog,
		executors: make(map[string]Executor),
	}
}

// Register adds a named tool. Registering a name twice overwrites.
func (r *Registry) Register(name string, exec Executor) {
	r.executors[name] = exec
}

// Restrict drops every registered tool not in allowed. An empty allowed list
// keeps everything.
func (r *Registry) Restrict(allowed []string) {
	if len(allowed) == 0 {
		return
	}
	for name := range r.executors {
		if !slices.Contains(allowed, name) {
			delete(r.executors, name)
		}
	}
}

// Validate checks the registry against the catalog. It fails when a
// registered or allowed name is not in the catalog, and when a capability
// that has any handler is missing a handler for one of its allowed tools.
// allowed is the list passed to Restrict (empty means all).
func (r *Registry) Validate(allowed []string) error {
	var problems []string
	enabled := map[Capability]bool{}

	for name := range r.executors {
		def, ok := r.catalog.Lookup(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: registered but not in catalog", name))
			continue
		}
		enabled[def.Capability] = true
	}
	for _, def := range r.catalog.Tools {
		if !enabled[def.Capability] {
			continue
		}
		if len(allowed) > 0 && !slices.Contains(allowed, def.Name) {
			continue
		}
		if _, ok := r.executors[def.Name]; !ok {
			problems = append(problems, fmt.Sprintf("%s: in catalog for enabled capability %s but has no handler", def.Name, def.Capability))
		}
	}
	for _, name := range allowed {
		if _, ok := r.catalog.Lookup(name); !ok {
			problems = append(problems, fmt.Sprintf("%s: allowed but not in catalog", name))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid tool registry: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Execute dispatches a tool call by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	exec, ok := r.executors[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return exec(ctx, args)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the catalog entries of registered tools, in catalog order.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, def := range r.catalog.Tools {
		if _, ok := r.executors[def.Name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Catalog returns the catalog the registry validates against.
func (r *Registry) Catalog() Catalog {
	return r.catalog
}

// Dispatcher adapts a Registry to relay.Dispatcher.
type Dispatcher struct {
	Registry *Registry
}

var _ relay.Dispatcher = Dispatcher{}

// Execute runs the tool and returns its JSON output.
func (d Dispatcher) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	res, err := d.Registry.Execute(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// IdempotencyKey returns the key a create operation should dedupe on: an
// explicit "id" argument if the caller passed one, else the relay request id
// from ctx. Empty means no dedup is possible.
func IdempotencyKey(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return relay.RequestID(ctx)
}

// parseArgs decodes args into v, treating empty input as {}.
func parseArgs(tool string, args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parsing %s args: %w", tool, err)
	}
	return nil
}

// jsonResult marshals v into a Result.
func jsonResult(tool string, v any) (Result, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling %s result: %w", tool, err)
	}
	return Result{Output: out}, nil
}
