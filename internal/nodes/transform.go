package nodes

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/markarapor/reportflow/internal/expressions"
	"github.com/markarapor/reportflow/pkg/schema"
)

// TransformHandler reshapes upstream data with a fixed set of operations.
// It is pure apart from the merge timestamp.
type TransformHandler struct {
	paths *expressions.PathSelector
	now   func() time.Time
}

func NewTransformHandler() *TransformHandler {
	return &TransformHandler{paths: expressions.NewPathSelector(), now: time.Now}
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, req *Request) (any, error) {
	cfg, err := configAs[schema.TransformConfig](req)
	if err != nil {
		return nil, err
	}
	inputs := req.OrderedInputs()

	if cfg.Operation == schema.TransformMerge {
		return h.merge(inputs, cfg), nil
	}

	if len(inputs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "%s needs an upstream input", cfg.Operation).WithNode(req.Node.ID)
	}
	data, err := h.source(ctx, inputs[0].Output, cfg.Path)
	if err != nil {
		return nil, withNode(err, req.Node.ID)
	}

	switch cfg.Operation {
	case schema.TransformFilter:
		return filterData(data, cfg.Field, cfg.Operator, cfg.Value), nil
	case schema.TransformAggregate:
		return aggregateData(data, cfg.GroupBy, cfg.Aggregations), nil
	case schema.TransformCalculate:
		return calculateData(data, cfg.Calculations), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "unknown transform operation %q", cfg.Operation).WithNode(req.Node.ID)
	}
}

// source picks the collection to operate on: the path target when a path is
// configured, otherwise the provider payload or the raw output.
func (h *TransformHandler) source(ctx context.Context, output any, path string) (any, error) {
	if path != "" {
		return h.paths.Select(ctx, path, output)
	}
	if m, ok := asMap(output); ok {
		return payload(m), nil
	}
	return output, nil
}

func (h *TransformHandler) merge(inputs []Input, cfg *schema.TransformConfig) map[string]any {
	merged := map[string]any{
		"mergedAt": h.now().UTC().Format(time.RFC3339),
	}
	sources := []string{}

	for _, in := range inputs {
		m, ok := asMap(in.Output)
		if !ok {
			merged[in.NodeID] = in.Output
			continue
		}
		if s, ok := m["source"].(string); ok && s != "" {
			sources = append(sources, s)
		} else if t, ok := m["type"].(string); ok && t != "" {
			sources = append(sources, t)
		}

		switch {
		case stringField(m, "mergeKey") != "":
			merged[stringField(m, "mergeKey")] = payload(m)
		case cfg.MergeKeys[in.NodeID] != "":
			merged[cfg.MergeKeys[in.NodeID]] = payload(m)
		case providerKey(m) != "":
			merged[providerKey(m)] = payload(m)
		default:
			merged[in.NodeID] = m
		}
	}
	merged["sources"] = sources
	return merged
}

func filterData(data any, field, op string, want any) any {
	if rows, ok := asSlice(data); ok {
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			if m, ok := asMap(row); ok && matches(m[field], op, want) {
				out = append(out, row)
			}
		}
		return out
	}
	if obj, ok := asMap(data); ok {
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			rows, isList := asSlice(v)
			if !isList {
				out[k] = v
				continue
			}
			kept := make([]any, 0, len(rows))
			for _, row := range rows {
				m, isObj := asMap(row)
				if !isObj || matches(m[field], op, want) {
					kept = append(kept, row)
				}
			}
			out[k] = kept
		}
		return out
	}
	return data
}

func matches(got any, op string, want any) bool {
	switch op {
	case schema.OpEquals:
		return equalValues(got, want)
	case schema.OpNotEquals:
		return !equalValues(got, want)
	case schema.OpContains:
		if items, ok := asSlice(got); ok {
			return slices.ContainsFunc(items, func(item any) bool { return equalValues(item, want) })
		}
		if got == nil {
			return false
		}
		return strings.Contains(fmt.Sprint(got), fmt.Sprint(want))
	}

	c, ok := compareValues(got, want)
	if !ok {
		return false
	}
	switch op {
	case schema.OpGT:
		return c > 0
	case schema.OpGTE:
		return c >= 0
	case schema.OpLT:
		return c < 0
	case schema.OpLTE:
		return c <= 0
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders numbers numerically and strings lexically; mixed or
// unordered kinds are incomparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// toNumber accepts only real numeric kinds; numeric strings stay strings so
// "10" and 10 do not silently compare equal under ordering operators.
func toNumber(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return toFloat(v)
}

func aggregateData(data any, groupBy string, aggs []schema.Aggregation) any {
	rows, ok := asSlice(data)
	if !ok {
		return data
	}

	if groupBy == "" {
		out := make(map[string]any, len(aggs))
		for _, a := range aggs {
			out[a.OutputName()] = aggregate(rows, a)
		}
		return out
	}

	type group struct {
		key  any
		rows []any
	}
	var order []string
	groups := make(map[string]*group)
	for _, row := range rows {
		m, _ := asMap(row)
		raw := m[groupBy]
		k := fmt.Sprint(raw)
		g, exists := groups[k]
		if !exists {
			g = &group{key: raw}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := map[string]any{groupBy: g.key}
		for _, a := range aggs {
			row[a.OutputName()] = aggregate(g.rows, a)
		}
		out = append(out, row)
	}
	return out
}

func aggregate(rows []any, a schema.Aggregation) float64 {
	if a.Operation == schema.AggCount {
		return float64(len(rows))
	}
	if len(rows) == 0 {
		return 0
	}

	values := make([]float64, len(rows))
	for i, row := range rows {
		m, _ := asMap(row)
		values[i] = number(m[a.Field])
	}

	switch a.Operation {
	case schema.AggSum, schema.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if a.Operation == schema.AggAvg {
			return sum / float64(len(values))
		}
		return sum
	case schema.AggMin:
		return slices.Min(values)
	case schema.AggMax:
		return slices.Max(values)
	}
	return 0
}

func calculateData(data any, calcs []schema.Calculation) any {
	if rows, ok := asSlice(data); ok {
		out := make([]any, len(rows))
		for i, row := range rows {
			if m, ok := asMap(row); ok {
				out[i] = calculateRow(m, calcs)
			} else {
				out[i] = row
			}
		}
		return out
	}
	if m, ok := asMap(data); ok {
		return calculateRow(m, calcs)
	}
	return data
}

// calculateRow applies calcs in order on a copy of row; later calculations
// may reference aliases produced by earlier ones.
func calculateRow(row map[string]any, calcs []schema.Calculation) map[string]any {
	out := make(map[string]any, len(row)+len(calcs))
	for k, v := range row {
		out[k] = v
	}
	for _, c := range calcs {
		values := make([]float64, len(c.Fields))
		for i, f := range c.Fields {
			values[i] = number(out[f])
		}
		out[c.Alias] = calculate(c.Operation, values)
	}
	return out
}

func calculate(op string, v []float64) float64 {
	switch op {
	case schema.CalcAdd:
		var sum float64
		for _, x := range v {
			sum += x
		}
		return sum
	case schema.CalcSubtract:
		if len(v) == 0 {
			return 0
		}
		r := v[0]
		for _, x := range v[1:] {
			r -= x
		}
		return r
	case schema.CalcMultiply:
		r := 1.0
		for _, x := range v {
			r *= x
		}
		return r
	case schema.CalcDivide, schema.CalcPercentage:
		if len(v) < 2 || v[1] == 0 {
			return 0
		}
		r := v[0] / v[1]
		if op == schema.CalcPercentage {
			r *= 100
		}
		return r
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
