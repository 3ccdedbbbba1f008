// Package schema holds the OpenAPI description of the command API and
// validates command payloads against it before they reach the dispatcher.
package schema

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/tessera/model"
)

//go:embed commands.yaml
var commandsYAML []byte

// maxDetails caps the field errors reported for one payload.
const maxDetails = 20

// Registry maps command types to their payload schemas.
type Registry struct {
	doc     *openapi3.T
	schemas map[string]*openapi3.Schema
}

// Load parses and validates the embedded document. Every registered command
// type must have a component schema of the same name.
func Load(ctx context.Context) (*Registry, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(commandsYAML)
	if err != nil {
		return nil, fmt.Errorf("schema: loading command schemas: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("schema: validating command schemas: %w", err)
	}

	r := &Registry{doc: doc, schemas: make(map[string]*openapi3.Schema)}
	var missing []string
	for _, typ := range model.CommandTypes() {
		ref, ok := doc.Components.Schemas[typ]
		if !ok || ref == nil || ref.Value == nil {
			missing = append(missing, typ)
			continue
		}
		r.schemas[typ] = ref.Value
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("schema: no payload schema for %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// Document returns the OpenAPI document.
func (r *Registry) Document() *openapi3.T { return r.doc }

// Types returns the command types with a schema, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.schemas))
	for typ := range r.schemas {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}

// Validate checks raw against the payload schema of typ. Unknown types pass;
// the dispatcher reports them. Violations are returned as one
// InvalidArguments failure carrying a detail per field.
func (r *Registry) Validate(typ string, raw json.RawMessage) error {
	s, ok := r.schemas[typ]
	if !ok {
		return nil
	}

	var value any = map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return model.InvalidArguments(model.CodeInvalidPayload, "payload of %s is not valid JSON: %v", typ, err)
		}
	}

	err := s.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	f := model.InvalidArguments(model.CodeInvalidPayload, "payload of %s does not match its schema", typ)
	f.Details = fieldErrors(err)
	return f
}

func fieldErrors(err error) []model.FieldError {
	var errs []error
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		errs = multi
	} else {
		errs = []error{err}
	}

	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		if len(out) == maxDetails {
			break
		}
		var se *openapi3.SchemaError
		if !errors.As(e, &se) {
			out = append(out, model.FieldError{Code: model.CodeInvalidPayload, Message: e.Error()})
			continue
		}
		out = append(out, model.FieldError{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    se.SchemaField,
			Message: se.Reason,
		})
	}
	return out
}
