// Package tools implements the tool runtime: provider registration,
// JSON-schema validation of tool calls, dual-layer (global +
// per-conversation) state, and dispatch to the owning provider.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warren-ai/warren/pkg/models"
)

// ParamType enumerates the primitive types a tool parameter may declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param is one node in a tool's parameter tree. Object parameters carry
// nested Properties; array parameters carry an Items schema. Open marks
// an object as accepting undeclared properties, which are then forwarded
// to the provider untouched.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any
	Properties  map[string]*Param
	Items       *Param
	Open        bool
}

// Tool is a declarative record for one capability the model may request.
// The description is fed to the model verbatim. Providers either declare
// a parameter tree in Params or supply a ready-made JSON schema in
// RawSchema (e.g. reflected from a Go struct); RawSchema wins when both
// are set, and calls against it forward all properties to the provider.
type Tool struct {
	ID          string
	Name        string
	Description string
	Params      map[string]*Param
	RawSchema   json.RawMessage
	Returns     *Param
}

// Provider is the contract every tool plugin implements. Declare is
// called once at registration; Invoke may mutate both state maps in
// place. Invoke returns (result, nil) or (nil, error), never both.
type Provider interface {
	// Name identifies the provider; it keys both persistence buckets.
	Name() string

	// Declare returns the provider's tools, its initial global state,
	// and the template deep-copied into each conversation's state slot.
	Declare() (tools []*Tool, globalState map[string]any, conversationTemplate map[string]any, err error)

	// Invoke executes one tool call. Validation has already happened;
	// args carry declared defaults for absent optional parameters.
	Invoke(ctx context.Context, toolID string, args map[string]any, convState, globalState map[string]any) (any, error)
}

// Result is the outcome of a tool call as fed back to the model. Exactly
// one of Content or Image is populated; IsError marks failures of any
// kind (unknown tool, invalid args, provider error) so the model can
// self-correct.
type Result struct {
	Content string
	Image   *models.Image
	IsError bool
}

// ErrorResult wraps an error message as a tool result.
func ErrorResult(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// InputSchema renders the parameter tree as the JSON-schema object shape
// the completion service expects: top-level type object with properties
// and required.
func (t *Tool) InputSchema() (json.RawMessage, error) {
	if len(t.RawSchema) > 0 {
		return t.RawSchema, nil
	}
	root := &Param{Type: TypeObject, Properties: t.Params}
	schema := paramToSchema(root)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for tool %s: %w", t.ID, err)
	}
	return data, nil
}

func paramToSchema(p *Param) map[string]any {
	schema := map[string]any{"type": string(p.Type)}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	switch p.Type {
	case TypeObject:
		props := map[string]any{}
		var required []string
		for _, name := range sortedKeys(p.Properties) {
			child := p.Properties[name]
			props[name] = paramToSchema(child)
			if child.Required {
				required = append(required, name)
			}
		}
		schema["properties"] = props
		if len(required) > 0 {
			schema["required"] = required
		}
	case TypeArray:
		if p.Items != nil {
			schema["items"] = paramToSchema(p.Items)
		}
	}
	if p.Default != nil {
		schema["default"] = p.Default
	}
	return schema
}

func sortedKeys(m map[string]*Param) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schema is the per-tool wire shape handed to the completion service.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
