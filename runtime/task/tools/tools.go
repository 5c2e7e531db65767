// Package tools maps tool names to handlers and converts every invocation
// outcome, whether success, handler error, panic, unknown tool or invalid
// input, into a tool_result envelope on the task's own inbox. Nothing escapes the
// dispatcher: the model always receives an answer for every tool it called.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/telemetry"
	"goa.design/microcore/runtime/task/transcript"
)

type (
	// Handler executes one tool call. The returned value must be
	// JSON-serializable; a non-nil error becomes an error tool result.
	Handler func(ctx context.Context, input json.RawMessage, taskID string) (any, error)

	// Tool couples a name, its input schema and the handler.
	Tool struct {
		Name        string
		Description string
		InputSchema json.RawMessage
		Handler     Handler

		compiled *jsonschema.Schema
	}

	// Registry is the name-to-tool mapping, populated at startup.
	Registry struct {
		tools map[string]*Tool
		order []string
	}

	// Enqueuer is the slice of the ingester the dispatcher needs.
	Enqueuer interface {
		Enqueue(ctx context.Context, taskID string, env *transcript.Envelope) error
	}

	// Dispatcher invokes tools and feeds their results back into the inbox.
	Dispatcher struct {
		reg    *Registry
		enq    Enqueuer
		log    telemetry.Logger
		tracer telemetry.Tracer
	}
)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema. Registration happens at
// startup; duplicate names are a programming error.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: %s: handler is required", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: %s: already registered", t.Name)
	}
	if len(t.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(t.InputSchema, &doc); err != nil {
			return fmt.Errorf("tools: %s: invalid schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tools: %s: add schema resource: %w", t.Name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tools: %s: compile schema: %w", t.Name, err)
		}
		t.compiled = schema
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Specs returns the tool specifications to offer the model, in registration
// order.
func (r *Registry) Specs() []*model.ToolSpec {
	specs := make([]*model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, &model.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return specs
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(reg *Registry, enq Enqueuer, logger telemetry.Logger, tracer telemetry.Tracer) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Dispatcher{reg: reg, enq: enq, log: logger, tracer: tracer}
}

// Dispatch runs every tool use in order and enqueues one tool_result
// envelope per use. Tool failures become error results; only a store failure
// while enqueuing is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, uses []model.ToolUseBlock) error {
	for _, use := range uses {
		block := d.invoke(ctx, taskID, use)
		env := &transcript.Envelope{
			Kind:     transcript.EnvelopeToolResult,
			Result:   &block,
			SenderID: taskID,
		}
		if err := d.enq.Enqueue(ctx, taskID, env); err != nil {
			return fmt.Errorf("tools: enqueue result for %s: %w", use.Name, err)
		}
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, taskID string, use model.ToolUseBlock) (block model.ToolResultBlock) {
	block = model.ToolResultBlock{ToolUseID: use.ID}

	ctx, span := d.tracer.Start(ctx, "tool."+use.Name)
	defer span.End()

	fail := func(msg string) {
		span.SetStatus(codes.Error, msg)
		d.log.Warn(ctx, "tool call failed", "task_id", taskID, "tool", use.Name, "err", msg)
		block.Content = errorPayload(msg)
		block.IsError = true
	}

	// A panicking handler must still produce a result.
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	tool, ok := d.reg.Lookup(use.Name)
	if !ok {
		fail(fmt.Sprintf("unknown tool: %s", use.Name))
		return
	}

	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if tool.compiled != nil {
		var doc any
		if err := json.Unmarshal(input, &doc); err != nil {
			fail(fmt.Sprintf("invalid tool input: %v", err))
			return
		}
		if err := tool.compiled.Validate(doc); err != nil {
			fail(fmt.Sprintf("tool input rejected by schema: %v", err))
			return
		}
	}

	value, err := tool.Handler(ctx, input, taskID)
	if err != nil {
		fail(err.Error())
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		fail(fmt.Sprintf("tool result not serializable: %v", err))
		return
	}
	block.Content = string(payload)
	return
}

func errorPayload(msg string) string {
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(payload)
}
