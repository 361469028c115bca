package callparse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/buger/jsonparser"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidToolName reports whether name only uses [A-Za-z0-9_.:-].
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// ParseParams decodes a JSON object into ordered Params, the same way
// detected parameters are decoded.
func ParseParams(data []byte) (*Params, error) {
	p, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("callparse: params: %w", err)
	}

	return p, nil
}

// decodeObject parses data as a JSON object into ordered Params.
func decodeObject(data []byte) (*Params, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}

	if err := validateJSON(data); err != nil {
		return nil, err
	}

	return objectFromValid(data)
}

// validateJSON returns nil for well-formed JSON and the decoder's syntax
// error otherwise.
func validateJSON(data []byte) error {
	if json.Valid(data) {
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	return errors.New("invalid JSON")
}

// objectFromValid decodes an object already known to be well-formed.
func objectFromValid(data []byte) (*Params, error) {
	out := NewParams()

	err := jsonparser.ObjectEach(data, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		k, err := jsonparser.ParseString(key)
		if err != nil {
			return fmt.Errorf("decode key: %w", err)
		}

		v, err := decodeValue(value, dt)
		if err != nil {
			return fmt.Errorf("decode %q: %w", k, err)
		}

		out.Set(k, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func decodeValue(value []byte, dt jsonparser.ValueType) (any, error) {
	switch dt {
	case jsonparser.Object:
		return objectFromValid(value)
	case jsonparser.Array:
		items := []any{}
		var inner error
		_, err := jsonparser.ArrayEach(value, func(v []byte, t jsonparser.ValueType, _ int, err error) {
			if inner != nil {
				return
			}
			if err != nil {
				inner = err
				return
			}
			item, err := decodeValue(v, t)
			if err != nil {
				inner = err
				return
			}
			items = append(items, item)
		})
		if err != nil {
			return nil, err
		}
		return items, inner
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Number:
		return json.Number(string(value)), nil
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value %q", value)
	}
}

// firstKey returns the first alias present at the top level of a valid JSON
// object, along with its raw value and type.
func firstKey(data []byte, aliases []string) (string, []byte, jsonparser.ValueType, bool) {
	for _, alias := range aliases {
		value, dt, _, err := jsonparser.Get(data, alias)
		if err == nil && dt != jsonparser.NotExist {
			return alias, value, dt, true
		}
	}

	return "", nil, jsonparser.NotExist, false
}

// keyPattern matches a quoted alias followed by a colon, used to decide
// whether malformed JSON was meant as a tool call.
func keyPattern(aliases []string) *regexp.Regexp {
	quoted := make([]byte, 0, 64)
	for i, a := range aliases {
		if i > 0 {
			quoted = append(quoted, '|')
		}
		quoted = append(quoted, regexp.QuoteMeta(a)...)
	}

	return regexp.MustCompile(`"(?:` + string(quoted) + `)"\s*:`)
}
