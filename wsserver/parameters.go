package wsserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ParameterType disambiguates wire-format values that JSON alone cannot:
// an integer literal marked Float64 decodes as a float, and so on.
type ParameterType string

const (
	ParameterTypeByteArray    ParameterType = "byte_array"
	ParameterTypeFloat64      ParameterType = "float64"
	ParameterTypeFloat64Array ParameterType = "float64_array"
)

// ParameterValue holds one of: int64, float64, bool, string, []ParameterValue,
// or map[string]ParameterValue. A nil ParameterValue paired with HasValue ==
// false represents an absent value (the parameter is unset/deleted).
type ParameterValue any

// Parameter is a named, optionally-typed, optionally-valued server
// parameter.
type Parameter struct {
	Name     string
	Type     *ParameterType
	Value    ParameterValue
	HasValue bool
}

// EmptyParameter creates a parameter with no type or value.
func EmptyParameter(name string) Parameter {
	return Parameter{Name: name}
}

// Float64Parameter creates a parameter with a float64 value and explicit
// float64 type hint.
func Float64Parameter(name string, value float64) Parameter {
	t := ParameterTypeFloat64
	return Parameter{Name: name, Type: &t, Value: value, HasValue: true}
}

// IntegerParameter creates a parameter with an integer value and no type
// hint (integers are the JSON-native homogenization default).
func IntegerParameter(name string, value int64) Parameter {
	return Parameter{Name: name, Value: value, HasValue: true}
}

// IntegerArrayParameter creates a parameter with an integer array value.
func IntegerArrayParameter(name string, values []int64) Parameter {
	arr := make([]ParameterValue, len(values))
	for i, v := range values {
		arr[i] = v
	}
	return Parameter{Name: name, Value: arr, HasValue: true}
}

// Float64ArrayParameter creates a parameter with a float64 array value and
// explicit float64_array type hint.
func Float64ArrayParameter(name string, values []float64) Parameter {
	t := ParameterTypeFloat64Array
	arr := make([]ParameterValue, len(values))
	for i, v := range values {
		arr[i] = v
	}
	return Parameter{Name: name, Type: &t, Value: arr, HasValue: true}
}

// StringParameter creates a parameter with a string value.
func StringParameter(name, value string) Parameter {
	return Parameter{Name: name, Value: value, HasValue: true}
}

// ByteArrayParameter creates a parameter whose value is the base64
// encoding of data, with explicit byte_array type hint.
func ByteArrayParameter(name string, data []byte) Parameter {
	t := ParameterTypeByteArray
	return Parameter{Name: name, Type: &t, Value: base64.StdEncoding.EncodeToString(data), HasValue: true}
}

// BoolParameter creates a parameter with a boolean value.
func BoolParameter(name string, value bool) Parameter {
	return Parameter{Name: name, Value: value, HasValue: true}
}

// DictParameter creates a parameter with a string-keyed map value.
func DictParameter(name string, value map[string]ParameterValue) Parameter {
	return Parameter{Name: name, Value: value, HasValue: true}
}

// DecodeByteArray decodes a byte_array-typed parameter's base64 value.
// Returns (nil, nil) if the parameter has no value. Returns an error if the
// parameter is not byte_array-typed or its value is not valid base64.
func (p Parameter) DecodeByteArray() ([]byte, error) {
	if !p.HasValue {
		return nil, nil
	}
	if p.Type == nil || *p.Type != ParameterTypeByteArray {
		return nil, fmt.Errorf("parameter %q is not a byte array", p.Name)
	}
	s, ok := p.Value.(string)
	if !ok {
		return nil, fmt.Errorf("parameter %q is not a byte array", p.Name)
	}
	return base64.StdEncoding.DecodeString(s)
}

// MarshalJSON renders the parameter, omitting type/value when absent.
func (p Parameter) MarshalJSON() ([]byte, error) {
	obj := map[string]any{"name": p.Name}
	if p.Type != nil {
		obj["type"] = string(*p.Type)
	}
	if p.HasValue {
		obj["value"] = p.Value
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses a parameter, applying the type-hint-driven value
// conversion and homogenization rules.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nameRaw, ok := raw["name"]
	if !ok {
		return fmt.Errorf("parameter: missing name")
	}
	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return fmt.Errorf("parameter: invalid name: %w", err)
	}

	var typ *ParameterType
	if typRaw, ok := raw["type"]; ok && string(typRaw) != "null" {
		var t ParameterType
		if err := json.Unmarshal(typRaw, &t); err != nil {
			return fmt.Errorf("parameter %q: invalid type: %w", name, err)
		}
		typ = &t
	}

	p.Name = name
	p.Type = typ
	p.Value = nil
	p.HasValue = false

	valRaw, ok := raw["value"]
	if !ok || string(valRaw) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(valRaw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("parameter %q: invalid value: %w", name, err)
	}

	var value ParameterValue
	var err error
	switch {
	case typ != nil && *typ == ParameterTypeFloat64:
		value, err = convertToFloat64Value(generic)
	case typ != nil && *typ == ParameterTypeFloat64Array:
		value, err = convertToFloat64ArrayValue(generic)
	case typ != nil && *typ == ParameterTypeByteArray:
		value, err = convertToByteArrayValue(generic)
	default:
		value, err = convertValueWithHomogenization(generic)
	}
	if err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}

	p.Value = value
	p.HasValue = true
	return nil
}

func convertToFloat64Value(generic any) (ParameterValue, error) {
	n, ok := generic.(json.Number)
	if !ok {
		return nil, fmt.Errorf("non-numeric value had type set to float64")
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number for float64")
	}
	return f, nil
}

func convertToFloat64ArrayValue(generic any) (ParameterValue, error) {
	arr, ok := generic.([]any)
	if !ok {
		return nil, fmt.Errorf("value with type set to float64_array was not an array of numbers")
	}
	out := make([]ParameterValue, 0, len(arr))
	for _, item := range arr {
		n, ok := item.(json.Number)
		if !ok {
			return nil, fmt.Errorf("non-numeric value in float64 array")
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number in float64 array")
		}
		out = append(out, f)
	}
	return out, nil
}

func convertToByteArrayValue(generic any) (ParameterValue, error) {
	s, ok := generic.(string)
	if !ok {
		return nil, fmt.Errorf("value with type set to byte_array was not a string")
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return nil, fmt.Errorf("invalid base64 for byte_array: %w", err)
	}
	return s, nil
}

func isIntegerNumber(n json.Number) bool {
	_, err := n.Int64()
	return err == nil
}

func convertValueWithHomogenization(generic any) (ParameterValue, error) {
	arr, ok := generic.([]any)
	if !ok {
		return convertPlainValue(generic)
	}

	hasInt, hasFloat, hasOther := false, false, false
	for _, item := range arr {
		if n, ok := item.(json.Number); ok {
			if isIntegerNumber(n) {
				hasInt = true
			} else {
				hasFloat = true
			}
		} else {
			hasOther = true
		}
	}

	if (hasFloat || hasInt) && hasOther {
		return nil, fmt.Errorf("array contains a mix of numeric and non-numeric-values")
	}
	if hasInt && hasFloat {
		out := make([]ParameterValue, 0, len(arr))
		for _, item := range arr {
			f, err := item.(json.Number).Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number in mixed array")
			}
			out = append(out, f)
		}
		return out, nil
	}

	out := make([]ParameterValue, 0, len(arr))
	for _, item := range arr {
		pv, err := convertPlainValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, nil
}

func convertPlainValue(generic any) (ParameterValue, error) {
	switch v := generic.(type) {
	case json.Number:
		if isIntegerNumber(v) {
			i, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("invalid integer")
			}
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid float")
		}
		return f, nil
	case bool:
		return v, nil
	case string:
		return v, nil
	case []any:
		out := make([]ParameterValue, 0, len(v))
		for _, item := range v {
			pv, err := convertPlainValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, pv)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]ParameterValue, len(v))
		for k, item := range v {
			pv, err := convertPlainValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = pv
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported parameter value type %T", v)
	}
}
