package classifier

import (
	"fmt"
	"math"
	"reflect"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// ValidateArguments checks args against s. A nil schema accepts anything.
func ValidateArguments(s *domain.ArgSchema, args map[string]any) error {
	if s == nil {
		return nil
	}
	if s.Type == "" || s.Type == "object" {
		return validateObject(args, s)
	}
	return validateValue(args, s)
}

// ApplyDefaults fills missing top-level properties that declare a default.
func ApplyDefaults(s *domain.ArgSchema, args map[string]any) {
	if s == nil || args == nil {
		return
	}
	for name, prop := range s.Properties {
		if prop == nil || prop.Default == nil {
			continue
		}
		if _, ok := args[name]; !ok {
			args[name] = prop.Default
		}
	}
}

func validateObject(obj map[string]any, s *domain.ArgSchema) error {
	for _, key := range s.Required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("missing required field %s", key)
		}
	}
	for key, prop := range s.Properties {
		if val, ok := obj[key]; ok {
			if err := validateValue(val, prop); err != nil {
				return fmt.Errorf("field %s: %w", key, err)
			}
		}
	}
	return nil
}

func validateValue(value any, s *domain.ArgSchema) error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		if err := validateObject(obj, s); err != nil {
			return err
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		for i, elem := range arr {
			if err := validateValue(elem, s.Items); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number":
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	}
	if len(s.Enum) > 0 && !inEnum(value, s.Enum) {
		return fmt.Errorf("value %v not in enum", value)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func inEnum(value any, enum []any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return true
		}
		if a, ok := toFloat(e); ok {
			if b, ok := toFloat(value); ok && a == b {
				return true
			}
		}
	}
	return false
}
