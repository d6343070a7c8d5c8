// Package ai consumes the completion engine as a black-box capability
// for function-calling and structured-object completion.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoFunctionCall indicates the engine answered without calling a function.
	ErrNoFunctionCall = errors.New("completion engine returned no function call")
	// ErrUnknownFunction indicates the engine named a function that was not offered.
	ErrUnknownFunction = errors.New("completion engine named an unknown function")
	// ErrInvalidFunctionArgs indicates the engine's own arguments failed
	// validation against the schema it was given. This failure mode is
	// retryable, unlike transport errors.
	ErrInvalidFunctionArgs = errors.New("completion engine arguments failed schema validation")
)

// Schema is a JSON schema fragment describing function parameters.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// ObjectSchema builds an object schema with the given properties, all required.
func ObjectSchema(properties map[string]*Schema) *Schema {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	return &Schema{Type: "object", Properties: properties, Required: required}
}

// FunctionDefinition describes one callable function exposed to the engine.
type FunctionDefinition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters"`
}

// FunctionCall is the engine's decision: a function name plus raw JSON arguments.
type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
}

// Message is a single conversation turn sent to the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionRequest asks the engine to choose among the offered functions.
type FunctionRequest struct {
	System    string
	Messages  []Message
	Functions []FunctionDefinition
}

// StructuredRequest asks the engine to fill a single schema.
type StructuredRequest struct {
	System string
	Prompt string
	Name   string
	Schema *Schema
}

// Engine is the completion engine capability consumed by the rule pipeline.
type Engine interface {
	// CompleteWithFunctions invokes the engine in function-calling mode.
	// Returns ErrNoFunctionCall when the engine declines to call anything.
	CompleteWithFunctions(ctx context.Context, req FunctionRequest) (*FunctionCall, error)
	// CompleteStructured invokes the engine with a single forced function
	// and returns its arguments validated against req.Schema.
	CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// ValidateArgs checks raw JSON arguments against a schema. Violations are
// reported as ErrInvalidFunctionArgs so callers can distinguish them from
// transport failures.
func ValidateArgs(schema *Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidFunctionArgs, err)
	}
	if err := validateValue(schema, value, "$"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFunctionArgs, err)
	}
	return nil
}

func validateValue(schema *Schema, value any, path string) error {
	switch schema.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for _, name := range schema.Required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%s: missing required property %q", path, name)
			}
		}
		for name, propSchema := range schema.Properties {
			prop, present := obj[name]
			if !present {
				continue
			}
			if err := validateValue(propSchema, prop, path+"."+name); err != nil {
				return err
			}
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
		if len(schema.Enum) > 0 {
			for _, allowed := range schema.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("%s: %q is not one of the allowed values", path, s)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number, got %T", path, value)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("%s: expected integer, got %v", path, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, value)
		}
		if schema.Items != nil {
			for i, item := range items {
				if err := validateValue(schema.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
