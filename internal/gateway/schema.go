package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const idempotencyDomain = "kubilitics-incident/tool-call\x00"

// NormalizeArguments converts arbitrary Go values into their JSON form by
// round-tripping through a protobuf Struct. Numbers become float64, slices
// become []any and nested maps become map[string]any.
func NormalizeArguments(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	s, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not representable as JSON: %w", err)
	}
	return s.AsMap(), nil
}

// IdempotencyKey derives the stable key for one tool call of a run.
// encoding/json sorts map keys, so equal arguments produce equal keys.
func IdempotencyKey(runID string, iteration int, provider, tool string, args map[string]any) string {
	normalized, err := NormalizeArguments(args)
	if err != nil {
		normalized = args
	}
	payload, _ := json.Marshal(struct {
		RunID     string         `json:"run_id"`
		Iteration int            `json:"iteration"`
		Provider  string         `json:"provider"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}{runID, iteration, provider, tool, normalized})

	h := sha256.New()
	h.Write([]byte(idempotencyDomain))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateArguments checks args against the tool's declared input schema.
// Only the subset used by diagnostic providers is enforced: type, required,
// properties[*].type, enum and additionalProperties=false.
func (g *Gateway) ValidateArguments(spec models.ToolSpec, args map[string]any) error {
	normalized, err := NormalizeArguments(args)
	if err != nil {
		return err
	}
	return validateSchema(spec.InputSchema, normalized)
}

func validateSchema(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if t, ok := schema["type"]; ok && !typeAllows(t, "object") {
		return fmt.Errorf("tool schema declares non-object input type %v", t)
	}

	var errs []error
	props, _ := schema["properties"].(map[string]any)

	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			name, _ := r.(string)
			if _, present := args[name]; name != "" && !present {
				errs = append(errs, fmt.Errorf("missing required property %q", name))
			}
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		prop, ok := props[k].(map[string]any)
		if !ok {
			if ap, set := schema["additionalProperties"].(bool); set && !ap {
				errs = append(errs, fmt.Errorf("unexpected property %q", k))
			}
			continue
		}
		if err := validateValue(k, prop, args[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateValue(name string, prop map[string]any, v any) error {
	if t, ok := prop["type"]; ok && !typeAllows(t, jsonType(v)) {
		if !(jsonType(v) == "number" && typeAllows(t, "integer") && isIntegral(v)) {
			return fmt.Errorf("property %q must be %v, got %s", name, t, jsonType(v))
		}
	}
	if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
		for _, e := range enum {
			if reflect.DeepEqual(e, v) {
				return nil
			}
		}
		return fmt.Errorf("property %q must be one of %v", name, enum)
	}
	return nil
}

// typeAllows handles both "type": "string" and "type": ["string", "null"].
func typeAllows(t any, want string) bool {
	switch tt := t.(type) {
	case string:
		return tt == want
	case []any:
		for _, x := range tt {
			if typeAllows(x, want) {
				return true
			}
		}
	}
	return false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}

func isIntegral(v any) bool {
	f, ok := v.(float64)
	return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
}
