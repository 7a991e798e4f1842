package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type ParameterType string

const (
	TypeString    ParameterType = "string"
	TypeInteger   ParameterType = "integer"
	TypeBool      ParameterType = "bool"
	TypeSelection ParameterType = "selection"
)

// Option is one choice of a selection parameter.
type Option struct {
	Value string `json:"value"`
	Title string `json:"title"`
}

// Parameter is one device-defined configurable item together with its current value.
//
// After ValidateSchema, Value holds a string for string and selection parameters,
// an int64 for integer parameters and a bool for bool parameters.
type Parameter struct {
	Name    string        `json:"name"`
	Title   string        `json:"title"`
	Type    ParameterType `json:"type"`
	Value   any           `json:"value"`
	Min     *int64        `json:"min,omitempty"`
	Max     *int64        `json:"max,omitempty"`
	Options []Option      `json:"options,omitempty"`
}

// ValidateSchema checks the structure of a device schema and returns a normalized
// copy with canonical value types. Constraints that do not apply to a parameter's
// type are dropped.
func ValidateSchema(params []Parameter) ([]Parameter, error) {
	if len(params) == 0 {
		return nil, &MalformedSchemaError{Reason: "schema contains no parameters"}
	}

	seen := make(map[string]struct{}, len(params))
	out := make([]Parameter, 0, len(params))

	for i, p := range params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, &MalformedSchemaError{Index: i, Reason: "name is required"}
		}
		if _, dup := seen[name]; dup {
			return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "duplicate name"}
		}
		seen[name] = struct{}{}

		norm := Parameter{Name: name, Title: p.Title, Type: p.Type}

		switch p.Type {
		case TypeString, TypeBool:
		case TypeInteger:
			if p.Min == nil || p.Max == nil {
				return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "integer requires min and max"}
			}
			if *p.Min > *p.Max {
				return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "min is greater than max"}
			}
			lo, hi := *p.Min, *p.Max
			norm.Min, norm.Max = &lo, &hi
		case TypeSelection:
			if len(p.Options) == 0 {
				return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "selection requires options"}
			}
			values := make(map[string]struct{}, len(p.Options))
			for _, o := range p.Options {
				if o.Value == "" {
					return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "option value is required"}
				}
				if _, dup := values[o.Value]; dup {
					return nil, &MalformedSchemaError{Index: i, Field: name, Reason: fmt.Sprintf("duplicate option %q", o.Value)}
				}
				values[o.Value] = struct{}{}
			}
			norm.Options = append([]Option(nil), p.Options...)
		case "":
			return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "type is required"}
		default:
			return nil, &MalformedSchemaError{Index: i, Field: name, Reason: fmt.Sprintf("unknown type %q", p.Type)}
		}

		if p.Value == nil {
			return nil, &MalformedSchemaError{Index: i, Field: name, Reason: "value is required"}
		}
		v, err := norm.Coerce(p.Value)
		if err != nil {
			return nil, &MalformedSchemaError{Index: i, Field: name, Reason: err.Reason}
		}
		norm.Value = v

		out = append(out, norm)
	}

	return out, nil
}

// Coerce converts raw into the canonical value type of p and checks it against
// p's constraints. Strings are accepted for every type so that HTML form input
// can be applied directly.
func (p Parameter) Coerce(raw any) (any, *InvalidValueError) {
	invalid := func(format string, args ...any) *InvalidValueError {
		return &InvalidValueError{Field: p.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch p.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, invalid("must be a string")
		}
		return s, nil

	case TypeInteger:
		n, ok := toInt64(raw)
		if !ok {
			return nil, invalid("must be an integer")
		}
		if p.Min != nil && n < *p.Min {
			return nil, invalid("%d is below minimum %d", n, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return nil, invalid("%d is above maximum %d", n, *p.Max)
		}
		return n, nil

	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "on", "true", "1":
				return true, nil
			case "off", "false", "0", "":
				return false, nil
			}
		}
		return nil, invalid("must be a boolean")

	case TypeSelection:
		s, ok := raw.(string)
		if !ok {
			return nil, invalid("must be a string")
		}
		for _, o := range p.Options {
			if o.Value == s {
				return s, nil
			}
		}
		return nil, invalid("%q is not one of the options", s)
	}

	return nil, invalid("unsupported type %q", p.Type)
}

// Clone returns a deep copy of p.
func (p Parameter) Clone() Parameter {
	c := p
	if p.Min != nil {
		lo := *p.Min
		c.Min = &lo
	}
	if p.Max != nil {
		hi := *p.Max
		c.Max = &hi
	}
	if p.Options != nil {
		c.Options = append([]Option(nil), p.Options...)
	}
	return c
}

// CloneParameters deep-copies a parameter list.
func CloneParameters(params []Parameter) []Parameter {
	if params == nil {
		return nil
	}
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = p.Clone()
	}
	return out
}

const maxExactFloat = 1 << 53

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		// Beyond 2^53 a float64 no longer holds every integer exactly.
		if v != math.Trunc(v) || v < -maxExactFloat || v > maxExactFloat {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}
