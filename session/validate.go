package session

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/mcpfleet/fleet/protocol"
)

// ValidateArguments performs pre-flight argument validation against a
// tool's input schema: required-field presence, primitive type coercion,
// and per-element recursion for array items. Additional properties not
// named in schema.Properties pass through untouched. All failures found are
// collected and reported together.
func ValidateArguments(toolName string, schema protocol.ToolInputSchema, args interface{}) error {
	m, err := toMap(args)
	if err != nil {
		return NewArgSchemaError(toolName, []string{err.Error()})
	}

	var failures []string
	for _, req := range schema.Required {
		if _, ok := m[req]; !ok {
			failures = append(failures, fmt.Sprintf("missing required field %q", req))
		}
	}

	for name, detail := range schema.Properties {
		value, present := m[name]
		if !present {
			continue
		}
		if _, err := coerce(name, detail, value); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return NewArgSchemaError(toolName, failures)
	}
	return nil
}

func toMap(args interface{}) (map[string]interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	if m, ok := args.(map[string]interface{}); ok {
		return m, nil
	}
	out := map[string]interface{}{}
	if err := weakDecode(args, &out); err != nil {
		return nil, fmt.Errorf("arguments must be an object: %w", err)
	}
	return out, nil
}

// coerce validates (and, for primitive fields, normalizes) value against
// detail, recursing into array items and nested object properties.
func coerce(path string, detail protocol.PropertyDetail, value interface{}) (interface{}, error) {
	switch detail.Type {
	case "string":
		var out string
		if err := weakDecode(value, &out); err != nil {
			return nil, fmt.Errorf("field %q: expected string: %w", path, err)
		}
		return out, nil
	case "number":
		var out float64
		if err := weakDecode(value, &out); err != nil {
			return nil, fmt.Errorf("field %q: expected number: %w", path, err)
		}
		return out, nil
	case "integer":
		var out int64
		if err := weakDecode(value, &out); err != nil {
			return nil, fmt.Errorf("field %q: expected integer: %w", path, err)
		}
		return out, nil
	case "boolean":
		var out bool
		if err := weakDecode(value, &out); err != nil {
			return nil, fmt.Errorf("field %q: expected boolean: %w", path, err)
		}
		return out, nil
	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q: expected array, got %T", path, value)
		}
		if detail.Items == nil {
			return arr, nil
		}
		for i, elem := range arr {
			if _, err := coerce(fmt.Sprintf("%s[%d]", path, i), *detail.Items, elem); err != nil {
				return nil, err
			}
		}
		return arr, nil
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q: expected object, got %T", path, value)
		}
		for name, nested := range detail.Properties {
			if v, present := obj[name]; present {
				if _, err := coerce(path+"."+name, nested, v); err != nil {
					return nil, err
				}
			}
		}
		for _, req := range detail.Required {
			if _, ok := obj[req]; !ok {
				return nil, fmt.Errorf("field %q: missing required nested field %q", path, req)
			}
		}
		return obj, nil
	default:
		// Unknown/unspecified schema type: pass through untouched.
		return value, nil
	}
}

func weakDecode(src, dst interface{}) error {
	cfg := &mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: dst}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return dec.Decode(src)
}
