// Package schema validates command, query and event payloads against
// declarative map schemas registered per payload name.
package schema

import (
	"fmt"
	"sync"

	"github.com/asaskevich/govalidator"
)

// Problem describes a single failed check on a field.
type Problem struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Explain is the machine-readable validation result attached to incorrect
// anomalies. A nil *Explain means the payload was valid.
type Explain struct {
	Problems []Problem `json:"problems"`
}

// AsMap renders the explain as plain maps for wire encoding.
func (e *Explain) AsMap() map[string]any {
	problems := make([]any, 0, len(e.Problems))
	for _, p := range e.Problems {
		problems = append(problems, map[string]any{
			"field":   p.Field,
			"code":    p.Code,
			"message": p.Message,
		})
	}
	return map[string]any{"problems": problems}
}

func (e *Explain) String() string {
	return fmt.Sprintf("%d validation problems", len(e.Problems))
}

// Schema validates a payload. Implementations return nil when valid.
type Schema interface {
	Validate(payload map[string]any) *Explain
}

// Rule checks one field value. present is false when the key is absent from
// the payload; rules other than Required skip absent values.
type Rule func(field string, value any, present bool) *Problem

// FieldSpec pairs a field name with its rules.
type FieldSpec struct {
	Name  string
	Rules []Rule
}

// Field declares a field and its rules.
func Field(name string, rules ...Rule) FieldSpec {
	return FieldSpec{Name: name, Rules: rules}
}

type mapSchema struct {
	fields []FieldSpec
}

// Map builds a schema over a map payload from per-field rules.
func Map(fields ...FieldSpec) Schema {
	return &mapSchema{fields: fields}
}

func (s *mapSchema) Validate(payload map[string]any) *Explain {
	var problems []Problem
	for _, f := range s.fields {
		value, present := payload[f.Name]
		for _, rule := range f.Rules {
			if p := rule(f.Name, value, present); p != nil {
				problems = append(problems, *p)
				break
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return &Explain{Problems: problems}
}

// Required fails when the field is absent or nil.
func Required() Rule {
	return func(field string, value any, present bool) *Problem {
		if !present || value == nil {
			return &Problem{Field: field, Code: "required", Message: fmt.Sprintf("%s is required", field)}
		}
		return nil
	}
}

// String fails when a present value is not a string.
func String() Rule {
	return typed("string", func(v any) bool {
		_, ok := v.(string)
		return ok
	})
}

// Bool fails when a present value is not a bool.
func Bool() Rule {
	return typed("bool", func(v any) bool {
		_, ok := v.(bool)
		return ok
	})
}

// Int fails when a present value is not an integer. Wire decoding may hand
// integers through as int, int64 or a whole float64.
func Int() Rule {
	return typed("int", func(v any) bool {
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		default:
			return false
		}
	})
}

// Number fails when a present value is not numeric.
func Number() Rule {
	return typed("number", func(v any) bool {
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	})
}

// MapValue fails when a present value is not a nested map.
func MapValue() Rule {
	return typed("map", func(v any) bool {
		_, ok := v.(map[string]any)
		return ok
	})
}

// UUID fails when a present value is not a UUID string.
func UUID() Rule {
	return format("uuid", govalidator.IsUUID)
}

// Email fails when a present value is not an email address.
func Email() Rule {
	return format("email", govalidator.IsEmail)
}

// URL fails when a present value is not a URL.
func URL() Rule {
	return format("url", govalidator.IsURL)
}

// MaxLen fails when a present string is longer than n.
func MaxLen(n int) Rule {
	return func(field string, value any, present bool) *Problem {
		if !present {
			return nil
		}
		s, ok := value.(string)
		if !ok {
			return &Problem{Field: field, Code: "type", Message: fmt.Sprintf("%s must be a string", field)}
		}
		if len(s) > n {
			return &Problem{Field: field, Code: "max-length", Message: fmt.Sprintf("%s must be at most %d characters", field, n)}
		}
		return nil
	}
}

// OneOf fails when a present value is not among the allowed values.
func OneOf(allowed ...string) Rule {
	return func(field string, value any, present bool) *Problem {
		if !present {
			return nil
		}
		s, ok := value.(string)
		if ok {
			for _, a := range allowed {
				if s == a {
					return nil
				}
			}
		}
		return &Problem{Field: field, Code: "one-of", Message: fmt.Sprintf("%s must be one of %v", field, allowed)}
	}
}

func typed(name string, ok func(any) bool) Rule {
	return func(field string, value any, present bool) *Problem {
		if !present || ok(value) {
			return nil
		}
		return &Problem{Field: field, Code: "type", Message: fmt.Sprintf("%s must be a %s", field, name)}
	}
}

func format(name string, ok func(string) bool) Rule {
	return func(field string, value any, present bool) *Problem {
		if !present {
			return nil
		}
		s, isString := value.(string)
		if !isString || !ok(s) {
			return &Problem{Field: field, Code: name, Message: fmt.Sprintf("%s must be a valid %s", field, name)}
		}
		return nil
	}
}

// Registry maps payload names to schemas. It is read-heavy: populated at
// startup, consulted on every validation.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Schema)}
}

// Register associates a schema with a payload name, replacing any previous
// registration.
func (r *Registry) Register(name string, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = s
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[name]
	return s, ok
}

// Default is the process-wide schema registry used when none is injected.
var Default = NewRegistry()
