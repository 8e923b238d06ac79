package expressions

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// placeholder matches {{name}} with optional inner whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Resolve substitutes {{name}} placeholders in every string reachable from
// value. Maps and slices are copied, never mutated. A name with no variable
// resolves to the empty string. Non-string scalars are returned unchanged.
func Resolve(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = resolveString(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, vars)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = resolveString(item, vars)
		}
		return out
	default:
		return value
	}
}

// ResolveMap is Resolve specialised to config maps.
func ResolveMap(m map[string]any, vars map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Resolve(m, vars).(map[string]any)
}

func resolveString(s string, vars map[string]any) string {
	if len(s) < 4 {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(tok string) string {
		name := placeholder.FindStringSubmatch(tok)[1]
		val, ok := vars[name]
		if !ok {
			return ""
		}
		return Stringify(val)
	})
}

// Unresolved lists placeholder names in value that have no variable, in
// first-seen order without duplicates.
func Unresolved(value any, vars map[string]any) []string {
	seen := make(map[string]bool)
	var missing []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholder.FindAllStringSubmatch(t, -1) {
				name := m[1]
				if _, ok := vars[name]; ok || seen[name] {
					continue
				}
				seen[name] = true
				missing = append(missing, name)
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case []string:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(value)
	return missing
}

// Stringify renders a variable value for embedding in text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case []byte:
		return string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
