package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Keys under which provider payloads are organized for analysis and export.
const (
	KeyAdsData           = "adsData"
	KeyAnalyticsData     = "analyticsData"
	KeySearchConsoleData = "searchConsoleData"
)

// typedKey maps a payload tag (either a data-source `type` or a legacy
// `source` provider name) to its organized key.
func typedKey(tag string) string {
	switch tag {
	case schema.DataTypeAds, schema.ProviderGoogleAds:
		return KeyAdsData
	case schema.DataTypeAnalytics, schema.ProviderGoogleAnalytics:
		return KeyAnalyticsData
	case schema.DataTypeSearchConsole, schema.ProviderSearchConsole:
		return KeySearchConsoleData
	}
	return ""
}

// providerKey returns the organized key for a tagged provider output, or "".
func providerKey(m map[string]any) string {
	if t, ok := m["type"].(string); ok {
		if k := typedKey(t); k != "" {
			return k
		}
	}
	if s, ok := m["source"].(string); ok {
		return typedKey(s)
	}
	return ""
}

// payload unwraps the `data` field of a tagged provider output.
func payload(m map[string]any) any {
	if d, ok := m["data"]; ok && providerKey(m) != "" {
		return d
	}
	return m
}

// combine shallow-merges map outputs in order. Tagged provider outputs are
// additionally placed under their organized key, so later stages can find
// ads/analytics/search data regardless of how the graph was wired.
func combine(inputs []Input) map[string]any {
	out := make(map[string]any)
	for _, in := range inputs {
		m, ok := in.Output.(map[string]any)
		if !ok {
			continue
		}
		if k := providerKey(m); k != "" {
			out[k] = payload(m)
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// normalize converts v into plain JSON values (map[string]any, []any,
// float64, string, bool, nil) so cached and fresh payloads look identical.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func stringSlice(v any) []string {
	items, ok := asSlice(v)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		} else if item != nil {
			out = append(out, fmt.Sprint(item))
		}
	}
	return out
}

// toFloat reports v as a number. Numeric strings are accepted.
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
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// number is toFloat with non-numeric values counted as 0.
func number(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func configAs[T any](req *Request) (*T, error) {
	cfg, ok := req.Config.(*T)
	if !ok || cfg == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig,
			"node %s: expected %T config, got %T", req.Node.ID, (*T)(nil), req.Config).WithNode(req.Node.ID)
	}
	return cfg, nil
}
