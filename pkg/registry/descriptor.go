package registry

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// ToolDescriptor is the registry's view of one remotely hosted tool. A
// descriptor is built wholesale on each sync and never mutated afterwards.
type ToolDescriptor struct {
	Name        string
	ServiceID   string
	EndpointURL string
	Description string
	Params      ParamSchema
	InputSchema json.RawMessage

	// ProjectionField is the parameter that selects which result fields a
	// tool returns, when the tool's schema declares one.
	ProjectionField string
	DefaultFields   []string

	Timeout      time.Duration
	LastSyncedAt time.Time

	schema *jsonschema.Schema
}

// HasProjection reports whether the tool accepts a field-projection
// parameter.
func (d ToolDescriptor) HasProjection() bool {
	return d.ProjectionField != ""
}

// SchemaValidated reports whether Validate applies a compiled JSON Schema in
// addition to the structural check.
func (d ToolDescriptor) SchemaValidated() bool {
	return d.schema != nil
}

// newDescriptor builds a descriptor from a catalog entry. Schema problems
// do not drop the tool; they are returned as warnings and validation falls
// back to whatever could be understood.
func newDescriptor(cat toolservice.Catalog, tool toolservice.CatalogTool, projection string, now time.Time) (ToolDescriptor, []string) {
	var warnings []string

	d := ToolDescriptor{
		Name:         tool.Name,
		ServiceID:    cat.ServiceName,
		EndpointURL:  cat.ServiceEndpoint,
		Description:  tool.Description,
		InputSchema:  compact(tool.ParameterSchema),
		Timeout:      tool.Timeout(),
		LastSyncedAt: now,
	}

	params, err := parseParamSchema(tool.ParameterSchema)
	if err != nil {
		warnings = append(warnings, err.Error())
	}
	d.Params = params

	schema, err := compileSchema(tool.Name, tool.ParameterSchema)
	if err != nil {
		warnings = append(warnings, err.Error())
	}
	d.schema = schema

	if projection != "" {
		if f, ok := params.Field(projection); ok {
			d.ProjectionField = projection
			d.DefaultFields = defaultFields(tool.DefaultFields, f.Default)
		}
	}

	return d, warnings
}

// defaultFields prefers the catalog's declared defaults over the schema's
// default value for the projection field.
func defaultFields(declared []string, schemaDefault json.RawMessage) []string {
	if len(declared) > 0 {
		return slices.Clone(declared)
	}
	if len(schemaDefault) == 0 {
		return nil
	}

	var fields []string
	if err := json.Unmarshal(schemaDefault, &fields); err != nil {
		return nil
	}

	return fields
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return slices.Clone(raw)
	}

	return buf.Bytes()
}

// sameDefinition reports whether two descriptors describe the same tool,
// ignoring sync time.
func sameDefinition(a, b ToolDescriptor) bool {
	return a.Description == b.Description &&
		a.EndpointURL == b.EndpointURL &&
		bytes.Equal(a.InputSchema, b.InputSchema) &&
		slices.Equal(a.DefaultFields, b.DefaultFields) &&
		a.Timeout == b.Timeout
}
