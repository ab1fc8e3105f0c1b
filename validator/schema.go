package validator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/model"
)

func evalValidJSONSchema(r model.ValidJSONSchema, response string) model.ValidationResult {
	payload := stripCodeFence(response)
	if payload == "" {
		return model.Fail("Response is not JSON", "response is blank")
	}

	var value any
	if err := sonic.UnmarshalString(payload, &value); err != nil {
		return model.Fail("Response is not valid JSON", err.Error())
	}
	if err := checkSchema(value, r.Schema, "$"); err != nil {
		return model.Fail("Response does not match schema", err.Error())
	}
	return model.Pass("Response matches schema")
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// checkSchema supports the structural subset of JSON Schema used by
// catalogs: type, required, properties, items and enum. It returns the first
// violation found.
func checkSchema(value any, schema map[string]any, path string) error {
	if typ, ok := schema["type"]; ok {
		if err := checkType(value, typ, path); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		if _, err := slices.Find(enum, func(e any) bool { return DeepEqual(e, value) }); err != nil {
			return fmt.Errorf("%s: value %v not in enum %v", path, value, enum)
		}
	}

	if obj, ok := value.(map[string]any); ok {
		for _, req := range stringList(schema["required"]) {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required key '%s'", path, req)
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for _, key := range sortedKeys(props) {
				sub, isMap := props[key].(map[string]any)
				child, present := obj[key]
				if !isMap || !present {
					continue
				}
				if err := checkSchema(child, sub, path+"."+key); err != nil {
					return err
				}
			}
		}
	}

	if arr, ok := value.([]any); ok {
		if items, ok := schema["items"].(map[string]any); ok {
			for i, el := range arr {
				if err := checkSchema(el, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkType(value any, typ any, path string) error {
	allowed := stringList(typ)
	if s, ok := typ.(string); ok {
		allowed = []string{s}
	}
	if len(allowed) == 0 {
		return nil
	}
	actual := jsonType(value)
	for _, t := range allowed {
		if t == actual || (t == "number" && actual == "integer") {
			return nil
		}
	}
	return fmt.Errorf("%s: expected %s, got %s", path, strings.Join(allowed, " or "), actual)
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if f, ok := asNumber(v); ok {
		if f == math.Trunc(f) {
			return "integer"
		}
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, el := range list {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
