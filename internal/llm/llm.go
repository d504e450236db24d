// Package llm defines the narrow completion interface the research core talks
// to, the error kinds it can fail with, and decorators for retries, rate
// limiting and instrumentation.
package llm

import (
	"context"
	"sort"
	"strings"
)

// Request is a single-shot completion. A nil Schema asks for free text.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	Schema      *Schema
}

// Schema names the JSON object a structured completion must return.
type Schema struct {
	Name       string
	Definition map[string]any
}

type CompletionService interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompletionFunc adapts a function to CompletionService.
type CompletionFunc func(ctx context.Context, req Request) (string, error)

func (f CompletionFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Structured runs req and decodes the reply into T. Transport failures come
// back unchanged; malformed replies come back as *DecodeError.
func Structured[T any](ctx context.Context, svc CompletionService, req Request) (T, error) {
	var zero T
	raw, err := svc.Complete(ctx, req)
	if err != nil {
		return zero, err
	}
	target := ""
	if req.Schema != nil {
		target = req.Schema.Name
	}
	var out T
	if err := DecodeJSON(raw, target, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// ObjectSchema is a small helper for the flat JSON objects used by the
// research prompts.
func ObjectSchema(name string, properties map[string]any, required ...string) *Schema {
	if len(required) == 0 {
		for key := range properties {
			required = append(required, key)
		}
		sort.Strings(required)
	}
	return &Schema{
		Name: strings.TrimSpace(name),
		Definition: map[string]any{
			"type":                 "object",
			"properties":           properties,
			"required":             required,
			"additionalProperties": false,
		},
	}
}

func StringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func BoolProperty(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func StringListProperty(description string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": description}
}

func EnumProperty(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}
