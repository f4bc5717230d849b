package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

// tool is the internal implementation of Tool built by NewTool, NewContextTool, or NewDynamicTool.
type tool struct {
	name        string
	description string
	schema      map[string]any
	execute     func(context.Context, json.RawMessage, *ToolContext) (ToolResult, error)
	opts        toolOptions
	mode        ContextMode
}

var errEmptyToolName = errors.New("tool name must not be empty")

// NewTool builds a Tool from a typed function. The schema is reflected from T and
// arguments are validated against it before fn runs. A returned R of type ToolResult is
// passed through; any other value becomes ToolResult.Value.
func NewTool[T any, R any](
	name, description string,
	fn func(ctx context.Context, args T) (R, error),
	opts ...ToolOption,
) (Tool, error) {
	if fn == nil {
		return nil, errors.New("tool handler must not be nil")
	}
	return newTypedTool(name, description, func(ctx context.Context, args T, _ *ToolContext) (R, error) {
		return fn(ctx, args)
	}, ContextNone, opts)
}

// NewContextTool is NewTool for handlers that need the ToolContext. The tool requires a
// context unless WithOptionalContext is given, in which case tc may be nil.
func NewContextTool[T any, R any](
	name, description string,
	fn func(ctx context.Context, args T, tc *ToolContext) (R, error),
	opts ...ToolOption,
) (Tool, error) {
	if fn == nil {
		return nil, errors.New("tool handler must not be nil")
	}
	return newTypedTool(name, description, fn, ContextRequired, opts)
}

func newTypedTool[T any, R any](
	name, description string,
	fn func(context.Context, T, *ToolContext) (R, error),
	mode ContextMode,
	opts []ToolOption,
) (Tool, error) {
	if name == "" {
		return nil, errEmptyToolName
	}
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	if mode != ContextNone && o.modeSet {
		mode = o.contextMode
	}
	ext, err := NewExtractor[T](o.strict)
	if err != nil {
		return nil, err
	}
	execute := func(ctx context.Context, argsJSON json.RawMessage, tc *ToolContext) (ToolResult, error) {
		args, err := ext.ParseAndValidate(argsJSON)
		if err != nil {
			return ToolResult{}, err
		}
		res, err := fn(ctx, args, tc)
		if err != nil {
			return ToolResult{}, wrapHandlerError(err)
		}
		if tr, ok := any(res).(ToolResult); ok {
			return tr, nil
		}
		return ToolResult{Value: res}, nil
	}
	return &tool{
		name:        name,
		description: description,
		schema:      ext.Schema(),
		execute:     execute,
		opts:        o,
		mode:        mode,
	}, nil
}

// NewDynamicTool creates a Tool from a raw JSON Schema map, for schemas known only at runtime
// (e.g. OpenAPI). Arguments are validated against the schema; fn receives the raw JSON.
// The tool accepts an optional context. schemaMap is not mutated.
func NewDynamicTool(
	name, description string,
	schemaMap map[string]any,
	fn func(ctx context.Context, argsJSON json.RawMessage, tc *ToolContext) (ToolResult, error),
	opts ...ToolOption,
) (Tool, error) {
	if name == "" {
		return nil, errEmptyToolName
	}
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	if schemaMap == nil {
		return nil, errors.New("dynamic schema map must not be nil")
	}
	if fn == nil {
		return nil, errors.New("dynamic tool handler must not be nil")
	}
	schemaCopy, err := cloneSchema(schemaMap)
	if err != nil {
		return nil, err
	}
	if o.strict {
		applyStrictMode(schemaCopy)
	}
	stripSchemaIDs(schemaCopy)
	compiled, err := compileSchema(schemaCopy)
	if err != nil {
		return nil, err
	}
	mode := ContextOptional
	if o.modeSet {
		mode = o.contextMode
	}
	execute := func(ctx context.Context, argsJSON json.RawMessage, tc *ToolContext) (ToolResult, error) {
		if _, err := parseAndCheck(compiled, argsJSON); err != nil {
			return ToolResult{}, err
		}
		res, err := fn(ctx, argsJSON, tc)
		if err != nil {
			return ToolResult{}, wrapHandlerError(err)
		}
		return res, nil
	}
	return &tool{
		name:        name,
		description: description,
		schema:      schemaCopy,
		execute:     execute,
		opts:        o,
		mode:        mode,
	}, nil
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.description }

// Parameters returns a shallow copy of the JSON Schema (top-level keys only).
// Nested maps (e.g. under "properties") are shared; callers must not mutate them.
func (t *tool) Parameters() map[string]any { return maps.Clone(t.schema) }

func (t *tool) Execute(ctx context.Context, argsJSON json.RawMessage, tc *ToolContext) (ToolResult, error) {
	return t.execute(ctx, argsJSON, tc)
}

func (t *tool) Timeout() time.Duration        { return t.opts.timeout }
func (t *tool) Tags() []string                { return append([]string(nil), t.opts.tags...) }
func (t *tool) Attributes() map[string]string { return maps.Clone(t.opts.attributes) }
func (t *tool) ContextMode() ContextMode      { return t.mode }
func (t *tool) Blocking() bool                { return t.opts.blocking }

var (
	_ Tool         = (*tool)(nil)
	_ ToolMetadata = (*tool)(nil)
)
