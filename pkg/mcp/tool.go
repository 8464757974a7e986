package mcp

import (
	"context"
	"fmt"
	"math"
)

// Tool is one entry in the server's registry: a name, a strict JSON
// schema for its arguments, and a handler returning the tool-specific
// data. Tier requirements live in the rbac package, not here.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// objectSchema is shorthand for the common flat object input schema.
func objectSchema(required []string, props map[string]any) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ValidateArgs checks args against a tool input schema. It covers the
// subset the registry uses: flat objects of string/integer/number/boolean
// properties with required lists, enums, and additionalProperties: false.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, nameAny := range required {
			name, _ := nameAny.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	strict, _ := schema["additionalProperties"].(bool)
	for name, value := range args {
		propAny, known := props[name]
		if !known {
			if schema["additionalProperties"] != nil && !strict {
				return fmt.Errorf("unknown argument %q", name)
			}
			continue
		}
		prop, _ := propAny.(map[string]any)
		if err := validateValue(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, prop map[string]any, value any) error {
	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("argument %q must be a string", name)
		}
		if enum, ok := prop["enum"].([]string); ok {
			for _, allowed := range enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("argument %q must be one of %v", name, enum)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok {
			if _, isInt := value.(int); isInt {
				return nil
			}
			return fmt.Errorf("argument %q must be an integer", name)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("argument %q must be an integer", name)
		}
	case "number":
		switch value.(type) {
		case float64, int:
		default:
			return fmt.Errorf("argument %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", name)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("argument %q must be an object", name)
		}
	}
	return nil
}

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
