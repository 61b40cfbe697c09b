package interrupt

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// PayloadSchema is the {kind, schema, ui_schema?} shape an interrupt_request
// event carries when a node supplies a typed payload instead
// of a raw map[string]any: a UI can render a form from schema without
// knowing the Go type behind it.
type PayloadSchema struct {
	Kind     string         `json:"kind"`
	Schema   map[string]any `json:"schema"`
	UISchema map[string]any `json:"ui_schema,omitempty"`
}

// DescribePayload derives a PayloadSchema for T from its json/jsonschema
// struct tags. The reflected schema keeps the full object shape
// (type/properties/required) since a UI form renderer needs the wrapper.
func DescribePayload[T any](kind string) (PayloadSchema, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return PayloadSchema{}, fmt.Errorf("interrupt: marshal schema: %w", err)
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return PayloadSchema{}, fmt.Errorf("interrupt: unmarshal schema: %w", err)
	}
	delete(schemaMap, "$schema")
	delete(schemaMap, "$id")

	return PayloadSchema{Kind: kind, Schema: schemaMap}, nil
}

// WithUISchema attaches a hand-authored ui_schema (layout/widget hints a
// plain JSON Schema can't express) to an already-derived PayloadSchema.
func (p PayloadSchema) WithUISchema(ui map[string]any) PayloadSchema {
	p.UISchema = ui
	return p
}
