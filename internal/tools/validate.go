package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// ParseArgs decodes the raw JSON argument string a model produced for a tool
// call. An empty string decodes to an empty argument map.
func ParseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("tools: arguments are not a JSON object: %w", err)
	}
	return args, nil
}

// ValidateArgs checks args against the tool's input schema. Models frequently
// emit numbers as strings and vice versa, so scalar values are coerced to the
// declared property type before validation. The possibly-coerced map is
// returned.
func ValidateArgs(def model.ToolDefinition, args map[string]any) (map[string]any, error) {
	if len(def.InputSchema) == 0 {
		return args, nil
	}

	schema, err := compileSchema(def)
	if err != nil {
		return nil, err
	}

	if err := validateMap(schema, args); err == nil {
		return args, nil
	}

	coerced := coerceArgs(def.InputSchema, args)
	if err := validateMap(schema, coerced); err != nil {
		return nil, fmt.Errorf("tools: %s: invalid arguments: %w", def.Name, err)
	}
	return coerced, nil
}

// validateMap round-trips the map through JSON so the validator sees the same
// value shapes a decoded instance would have.
func validateMap(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func compileSchema(def model.ToolDefinition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: marshal schema: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: %s: parse schema: %w", def.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + def.Name + "/schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: %s: add schema resource: %w", def.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile schema: %w", def.Name, err)
	}
	return schema, nil
}

// coerceArgs aligns scalar argument values with the declared property types.
// Unknown properties and non-scalar mismatches pass through untouched and are
// left for schema validation to reject.
func coerceArgs(schema map[string]any, args map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}

	out := make(map[string]any, len(args))
	for key, val := range args {
		prop, ok := props[key].(map[string]any)
		if !ok {
			out[key] = val
			continue
		}
		typ, _ := prop["type"].(string)
		out[key] = coerceValue(typ, val)
	}
	return out
}

func coerceValue(typ string, val any) any {
	switch typ {
	case "string":
		switch v := val.(type) {
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	case "number", "integer":
		if s, ok := val.(string); ok {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return json.Number(strconv.FormatFloat(n, 'f', -1, 64))
			}
		}
	case "boolean":
		if s, ok := val.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
	}
	return val
}
