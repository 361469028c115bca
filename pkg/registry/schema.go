package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/germanamz/toolrelay/pkg/callparse"
)

// ParamField describes one top-level parameter of a tool.
type ParamField struct {
	Name     string
	Types    []string // JSON Schema types; empty means any
	Required bool
	Default  json.RawMessage
}

// ParamSchema is the ordered list of a tool's top-level parameters, in the
// order the remote schema declares them.
type ParamSchema struct {
	Fields []ParamField
}

// Field returns the named field.
func (s ParamSchema) Field(name string) (ParamField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return ParamField{}, false
}

// Names returns the field names in declaration order.
func (s ParamSchema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}

	return names
}

// Required returns the names of required fields.
func (s ParamSchema) Required() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}

	return names
}

// parseParamSchema reads the top-level properties of an object schema,
// keeping their declaration order.
func parseParamSchema(raw json.RawMessage) (ParamSchema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ParamSchema{}, nil
	}

	required := map[string]bool{}
	if reqRaw, dt, _, err := jsonparser.Get(raw, "required"); err == nil && dt == jsonparser.Array {
		_, _ = jsonparser.ArrayEach(reqRaw, func(v []byte, dt jsonparser.ValueType, _ int, _ error) {
			if dt == jsonparser.String {
				if s, err := jsonparser.ParseString(v); err == nil {
					required[s] = true
				}
			}
		})
	}

	var schema ParamSchema

	props, dt, _, err := jsonparser.Get(raw, "properties")
	switch {
	case errors.Is(err, jsonparser.KeyPathNotFoundError):
		return schema, nil
	case err != nil:
		return schema, fmt.Errorf("registry: parse schema: %w", err)
	case dt != jsonparser.Object:
		return schema, fmt.Errorf("registry: parse schema: properties is %s, not an object", dt)
	}

	err = jsonparser.ObjectEach(props, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}

		field := ParamField{Name: name, Required: required[name]}
		if dt == jsonparser.Object {
			field.Types = schemaTypes(value)
			if def, dt, _, err := jsonparser.Get(value, "default"); err == nil {
				field.Default = rawValue(def, dt)
			}
		}
		schema.Fields = append(schema.Fields, field)

		return nil
	})
	if err != nil {
		return ParamSchema{}, fmt.Errorf("registry: parse schema: %w", err)
	}

	return schema, nil
}

func schemaTypes(prop []byte) []string {
	v, dt, _, err := jsonparser.Get(prop, "type")
	if err != nil {
		return nil
	}

	switch dt {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return nil
		}
		return []string{s}
	case jsonparser.Array:
		var types []string
		_, _ = jsonparser.ArrayEach(v, func(item []byte, dt jsonparser.ValueType, _ int, _ error) {
			if dt == jsonparser.String {
				if s, err := jsonparser.ParseString(item); err == nil {
					types = append(types, s)
				}
			}
		})
		return types
	default:
		return nil
	}
}

// rawValue returns v as JSON. jsonparser hands back string values without
// their quotes but with escapes intact.
func rawValue(v []byte, dt jsonparser.ValueType) json.RawMessage {
	if dt == jsonparser.String {
		return json.RawMessage(`"` + string(v) + `"`)
	}

	return slices.Clone(v)
}

// compileSchema compiles a tool's input schema. An empty schema compiles to
// nil, meaning only the structural check applies.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("registry: schema for %s: %w", name, err)
	}

	const url = "schema.json"

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("registry: schema for %s: %w", name, err)
	}

	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: schema for %s: %w", name, err)
	}

	return schema, nil
}

// FieldError is one parameter problem found by validation. Field is a
// slash-separated path; empty means the parameter object itself.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}

	return e.Field + ": " + e.Reason
}

// Validate checks params against the tool's parameter schema. It reports
// missing required fields and JSON type mismatches first, then whatever
// the compiled JSON Schema rejects beyond those. A nil result means the
// parameters are acceptable.
func (d ToolDescriptor) Validate(params *callparse.Params) []FieldError {
	var errs []FieldError

	seen := map[string]bool{}
	for _, f := range d.Params.Fields {
		v, present := lookup(params, f.Name)
		if !present {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Reason: "required field is missing"})
				seen[f.Name] = true
			}
			continue
		}

		if len(f.Types) > 0 && !slices.ContainsFunc(f.Types, func(t string) bool { return matchesType(v, t) }) {
			errs = append(errs, FieldError{
				Field:  f.Name,
				Reason: fmt.Sprintf("expected %s, got %s", strings.Join(f.Types, " or "), jsonType(v)),
			})
			seen[f.Name] = true
		}
	}

	if d.schema == nil {
		return errs
	}

	err := d.schema.Validate(toInstance(params))

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return errs
	}

	for _, fe := range outputErrors(verr) {
		top, _, _ := strings.Cut(fe.Field, "/")
		if seen[top] || seen[fe.Field] {
			continue
		}
		seen[fe.Field] = true
		errs = append(errs, fe)
	}

	return errs
}

// outputErrors flattens a validation error tree into its leaf failures.
func outputErrors(verr *jsonschema.ValidationError) []FieldError {
	var errs []FieldError

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}

		loc := strings.Join(e.InstanceLocation, "/")
		if req, ok := e.ErrorKind.(*kind.Required); ok {
			for _, name := range req.Missing {
				errs = append(errs, FieldError{Field: joinPath(loc, name), Reason: "required field is missing"})
			}
			return
		}

		errs = append(errs, FieldError{Field: loc, Reason: e.ErrorKind.LocalizedString(printer)})
	}
	walk(verr)

	return errs
}

var printer = message.NewPrinter(language.English)

func joinPath(base, name string) string {
	if base == "" {
		return name
	}

	return base + "/" + name
}

func lookup(params *callparse.Params, name string) (any, bool) {
	if params == nil {
		return nil, false
	}

	return params.Get(name)
}

// toInstance converts ordered params into the map/slice form the schema
// validator walks. Numbers stay json.Number.
func toInstance(v any) any {
	switch t := v.(type) {
	case *callparse.Params:
		m := map[string]any{}
		if t == nil {
			return m
		}
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			m[pair.Key] = toInstance(pair.Value)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = toInstance(item)
		}
		return out
	default:
		return v
	}
}

func jsonType(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		if isInteger(t) {
			return "integer"
		}
		return "number"
	case float64, float32:
		return "number"
	case int, int32, int64:
		return "integer"
	case []any:
		return "array"
	case *callparse.Params, map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func matchesType(v any, want string) bool {
	got := jsonType(v)

	switch want {
	case "number":
		return got == "number" || got == "integer"
	case "integer":
		if got == "integer" {
			return true
		}
		// 1.0 is an integer to JSON Schema.
		if n, ok := v.(json.Number); ok {
			f, err := n.Float64()
			return err == nil && f == float64(int64(f))
		}
		return false
	default:
		return got == want
	}
}

func isInteger(n json.Number) bool {
	return !strings.ContainsAny(n.String(), ".eE")
}
