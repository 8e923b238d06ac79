package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/pkg/schema"
)

func fixedTransform() *TransformHandler {
	h := NewTransformHandler()
	h.now = func() time.Time { return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC) }
	return h
}

func rowsInput(id string, rows ...map[string]any) Input {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return Input{NodeID: id, Output: list}
}

func TestTransform_Merge(t *testing.T) {
	h := fixedTransform()
	custom := Input{NodeID: "calc", Output: map[string]any{"total": 3.0}}
	keyed := Input{NodeID: "ads2", Output: map[string]any{"type": "ads", "source": "google-ads", "mergeKey": "secondAds", "data": map[string]any{"x": 1.0}}}
	configured := Input{NodeID: "sc", Output: map[string]any{"type": "search-console", "data": map[string]any{"y": 2.0}}}

	req := request(t, "merge", schema.NodeTypeTransform, map[string]any{
		"operation": "merge",
		"mergeKeys": map[string]any{"sc": "seo"},
	}, adsInput(), keyed, configured, custom)
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "2026-10-01T09:00:00Z", m["mergedAt"])
	assert.Equal(t, []string{"google-ads", "google-ads", "search-console"}, m["sources"])
	assert.Contains(t, m, KeyAdsData)
	assert.Equal(t, map[string]any{"x": 1.0}, m["secondAds"])
	assert.Equal(t, map[string]any{"y": 2.0}, m["seo"])
	assert.Equal(t, map[string]any{"total": 3.0}, m["calc"])
}

func TestTransform_MergeWithoutInputs(t *testing.T) {
	out, err := fixedTransform().Execute(context.Background(),
		request(t, "merge", schema.NodeTypeTransform, map[string]any{"operation": "merge"}))
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, []string{}, m["sources"])
}

func TestTransform_Filter(t *testing.T) {
	in := rowsInput("rows",
		map[string]any{"name": "a", "clicks": 10.0},
		map[string]any{"name": "b", "clicks": 3.0},
		map[string]any{"name": "c", "clicks": "12"},
	)
	tests := []struct {
		op    string
		value any
		want  []string
	}{
		{"gt", 5, []string{"a"}},
		{"lte", 3, []string{"b"}},
		{"equals", 10, []string{"a"}},
		{"notEquals", 10, []string{"b", "c"}},
		{"contains", "1", []string{"a", "c"}},
	}
	for _, tc := range tests {
		t.Run(tc.op, func(t *testing.T) {
			out, err := fixedTransform().Execute(context.Background(), request(t, "f", schema.NodeTypeTransform,
				map[string]any{"operation": "filter", "field": "clicks", "operator": tc.op, "value": tc.value}, in))
			require.NoError(t, err)

			var names []string
			for _, r := range out.([]any) {
				names = append(names, r.(map[string]any)["name"].(string))
			}
			assert.Equal(t, tc.want, names)
		})
	}
}

func TestTransform_FilterObjectFiltersEveryList(t *testing.T) {
	data := map[string]any{
		"campaigns": []any{map[string]any{"status": "ENABLED"}, map[string]any{"status": "PAUSED"}},
		"customerId": "123",
	}
	out := filterData(data, "status", schema.OpEquals, "ENABLED")
	m := out.(map[string]any)
	assert.Len(t, m["campaigns"], 1)
	assert.Equal(t, "123", m["customerId"])
}

func TestTransform_FilterWithPath(t *testing.T) {
	in := adsInput()
	out, err := fixedTransform().Execute(context.Background(), request(t, "f", schema.NodeTypeTransform,
		map[string]any{"operation": "filter", "path": ".data.campaigns", "field": "cost", "operator": "gte", "value": 100}, in))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestTransform_Aggregate(t *testing.T) {
	in := rowsInput("rows",
		map[string]any{"device": "mobile", "sessions": 10.0},
		map[string]any{"device": "desktop", "sessions": 4.0},
		map[string]any{"device": "mobile", "sessions": 6.0},
	)

	t.Run("grouped", func(t *testing.T) {
		out, err := fixedTransform().Execute(context.Background(), request(t, "a", schema.NodeTypeTransform, map[string]any{
			"operation": "aggregate",
			"groupBy":   "device",
			"aggregations": []any{
				map[string]any{"field": "sessions", "operation": "sum", "alias": "total"},
				map[string]any{"field": "sessions", "operation": "avg"},
				map[string]any{"operation": "count"},
			},
		}, in))
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"device": "mobile", "total": 16.0, "sessions": 8.0, "count": 2.0},
			map[string]any{"device": "desktop", "total": 4.0, "sessions": 4.0, "count": 1.0},
		}, out)
	})

	t.Run("ungrouped", func(t *testing.T) {
		out, err := fixedTransform().Execute(context.Background(), request(t, "a", schema.NodeTypeTransform, map[string]any{
			"operation": "aggregate",
			"aggregations": []any{
				map[string]any{"field": "sessions", "operation": "min", "alias": "lo"},
				map[string]any{"field": "sessions", "operation": "max", "alias": "hi"},
			},
		}, in))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"lo": 4.0, "hi": 10.0}, out)
	})

	t.Run("empty rows", func(t *testing.T) {
		out := aggregateData([]any{}, "", []schema.Aggregation{{Field: "x", Operation: "max"}, {Operation: "count"}})
		assert.Equal(t, map[string]any{"x": 0.0, "count": 0.0}, out)
	})
}

func TestTransform_Calculate(t *testing.T) {
	in := rowsInput("rows",
		map[string]any{"clicks": 50.0, "impressions": 1000.0, "cost": 100.0},
		map[string]any{"clicks": 0.0, "impressions": 0.0, "cost": 5.0},
	)
	out, err := fixedTransform().Execute(context.Background(), request(t, "c", schema.NodeTypeTransform, map[string]any{
		"operation": "calculate",
		"calculations": []any{
			map[string]any{"operation": "percentage", "fields": []any{"clicks", "impressions"}, "alias": "ctr"},
			map[string]any{"operation": "divide", "fields": []any{"cost", "clicks"}, "alias": "cpc"},
			map[string]any{"operation": "multiply", "fields": []any{"ctr", "cpc"}, "alias": "chained"},
		},
	}, in))
	require.NoError(t, err)

	rows := out.([]any)
	first := rows[0].(map[string]any)
	assert.InDelta(t, 5.0, first["ctr"], 1e-9)
	assert.InDelta(t, 2.0, first["cpc"], 1e-9)
	assert.InDelta(t, 10.0, first["chained"], 1e-9)

	second := rows[1].(map[string]any)
	assert.Equal(t, 0.0, second["ctr"])
	assert.Equal(t, 0.0, second["cpc"])
}

func TestTransform_NeedsInput(t *testing.T) {
	_, err := fixedTransform().Execute(context.Background(), request(t, "c", schema.NodeTypeTransform, map[string]any{
		"operation":    "calculate",
		"calculations": []any{map[string]any{"operation": "add", "fields": []any{"a"}, "alias": "b"}},
	}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err))
}
