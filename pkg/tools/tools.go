package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	// Schema describes the argument object.
	Schema() *jsonschema.Schema
	// Mutating tools may change files, so the memory snapshot is rebuilt
	// after they run.
	Mutating() bool
	Call(ctx context.Context, env *Env, args map[string]any) (string, error)
}

// Untruncated is implemented by tools whose successful output is an encoded
// payload, such as an image data URL, that is useless once cut short.
type Untruncated interface {
	Untruncated() bool
}

// Definition is a Tool whose arguments decode into A. The schema is
// reflected from A and every call is validated against it before fn runs.
type Definition[A any] struct {
	name        string
	description string
	mutating    bool
	untruncated bool
	schema      *jsonschema.Schema
	validator   *gojsonschema.Schema
	fn          func(ctx context.Context, env *Env, args A) (string, error)
}

var _ Tool = (*Definition[struct{}])(nil)

// NewDefinition builds a Tool from a typed handler. A may be a named or an
// anonymous struct. It panics if the reflected schema does not compile,
// which is a programming error.
func NewDefinition[A any](name, description string, mutating bool, fn func(ctx context.Context, env *Env, args A) (string, error)) *Definition[A] {
	schema := reflectSchema[A]()
	validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("compiling schema for tool %s: %v", name, err))
	}
	return &Definition[A]{
		name:        name,
		description: description,
		mutating:    mutating,
		schema:      schema,
		validator:   validator,
		fn:          fn,
	}
}

func (d *Definition[A]) Name() string               { return d.name }
func (d *Definition[A]) Description() string        { return d.description }
func (d *Definition[A]) Schema() *jsonschema.Schema { return d.schema }
func (d *Definition[A]) Mutating() bool             { return d.mutating }
func (d *Definition[A]) Untruncated() bool          { return d.untruncated }

// WithUntruncatedOutput marks the tool's successful output as exempt from
// output limits.
func (d *Definition[A]) WithUntruncatedOutput() *Definition[A] {
	d.untruncated = true
	return d
}

// Call validates args, decodes them into A and runs the handler.
func (d *Definition[A]) Call(ctx context.Context, env *Env, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := d.validator.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return "", &ArgumentError{Tool: d.name, Err: err}
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return "", &ArgumentError{Tool: d.name, Err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return "", &ArgumentError{Tool: d.name, Err: err}
	}
	var typed A
	if err := json.Unmarshal(raw, &typed); err != nil {
		return "", &ArgumentError{Tool: d.name, Err: err}
	}

	out, err := d.fn(ctx, env, typed)
	if err != nil {
		return "", &ExecutionError{Tool: d.name, Err: err}
	}
	return out, nil
}

func reflectSchema[A any]() *jsonschema.Schema {
	r := jsonschema.Reflector{
		Anonymous: true,
		// Expand definitions inline instead of using $refs.
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	var zero A
	s := r.Reflect(zero)
	s.Version = ""
	// Providers require an object at the root.
	if s.Type == "" && s.Ref == "" {
		s.Type = "object"
	}
	return s
}

// ParametersMap returns the tool's schema as a plain JSON object, the form
// most provider SDKs accept.
func ParametersMap(t Tool) (map[string]any, error) {
	b, err := json.Marshal(t.Schema())
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling schema: %w", err)
	}
	return m, nil
}

// ArgumentError reports arguments that do not match the tool's schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ExecutionError reports a failure inside a tool handler.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }
