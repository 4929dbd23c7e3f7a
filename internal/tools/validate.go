package tools

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// compileSchema compiles a tool's input schema, caching by schema text.
func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks args against the tool's parameter tree and returns
// a normalized copy: declared defaults stamped for absent optional
// parameters, undeclared properties dropped unless the enclosing object
// is open. Validation failures name the offending field with a dotted
// path.
func ValidateArgs(tool *Tool, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	schemaBytes, err := tool.InputSchema()
	if err != nil {
		return nil, err
	}
	compiled, err := compileSchema(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", tool.ID, err)
	}
	if err := compiled.Validate(normalizeForSchema(args)); err != nil {
		return nil, schemaError(tool.ID, err)
	}

	root := &Param{Type: TypeObject, Properties: tool.Params}
	if len(tool.RawSchema) > 0 {
		root.Open = true
	}
	normalized, err := normalizeValue(root, args, "")
	if err != nil {
		return nil, err
	}
	out, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool %s: arguments must be an object", tool.ID)
	}
	return out, nil
}

// schemaError flattens a jsonschema validation error into a single
// message naming the deepest offending field as a dotted path.
func schemaError(toolID string, err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("tool %s: invalid arguments: %v", toolID, err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := pointerToDotted(leaf.InstanceLocation)
	if path == "" {
		return fmt.Errorf("tool %s: invalid arguments: %s", toolID, leaf.Message)
	}
	return fmt.Errorf("tool %s: invalid argument %s: %s", toolID, path, leaf.Message)
}

func pointerToDotted(pointer string) string {
	trimmed := strings.TrimPrefix(pointer, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

// normalizeValue walks the parameter tree alongside the provided value,
// stamping defaults and filtering undeclared object properties. The
// structural validation has already passed; this walk only reshapes.
func normalizeValue(p *Param, value any, path string) (any, error) {
	switch p.Type {
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %s", pathOrRoot(path))
		}
		out := map[string]any{}
		for name, child := range p.Properties {
			childPath := joinPath(path, name)
			raw, present := obj[name]
			if !present {
				if child.Default != nil {
					stamped, err := normalizeValue(child, child.Default, childPath)
					if err != nil {
						return nil, err
					}
					out[name] = stamped
				} else if child.Required {
					return nil, fmt.Errorf("missing required parameter %s", childPath)
				}
				continue
			}
			normalized, err := normalizeValue(child, raw, childPath)
			if err != nil {
				return nil, err
			}
			out[name] = normalized
		}
		if p.Open {
			for name, raw := range obj {
				if _, declared := p.Properties[name]; !declared {
					out[name] = raw
				}
			}
		}
		return out, nil
	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array at %s", pathOrRoot(path))
		}
		if p.Items == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			normalized, err := normalizeValue(p.Items, item, fmt.Sprintf("%s.%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case TypeInteger:
		switch typed := value.(type) {
		case bool:
			return nil, fmt.Errorf("expected integer at %s, got boolean", pathOrRoot(path))
		case float64:
			if typed != math.Trunc(typed) {
				return nil, fmt.Errorf("expected integer at %s, got %v", pathOrRoot(path), typed)
			}
			return int64(typed), nil
		case int:
			return int64(typed), nil
		case int64:
			return typed, nil
		default:
			return nil, fmt.Errorf("expected integer at %s", pathOrRoot(path))
		}
	case TypeNumber:
		if _, isBool := value.(bool); isBool {
			return nil, fmt.Errorf("expected number at %s, got boolean", pathOrRoot(path))
		}
		return value, nil
	default:
		return value, nil
	}
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func pathOrRoot(path string) string {
	if path == "" {
		return "arguments"
	}
	return path
}

// normalizeForSchema converts Go-typed values into the shapes the
// jsonschema validator expects (it operates on decoded JSON values).
func normalizeForSchema(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalizeForSchema(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = normalizeForSchema(v)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	default:
		return typed
	}
}
