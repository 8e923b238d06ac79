package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/markarapor/reportflow/pkg/schema"
)

// maxQueryRows caps the search-query table.
const maxQueryRows = 10

// ExportHandler assembles the report structure a renderer consumes. It never
// renders documents itself.
type ExportHandler struct {
	now func() time.Time
}

func NewExportHandler() *ExportHandler {
	return &ExportHandler{now: time.Now}
}

func (h *ExportHandler) Type() schema.NodeType { return schema.NodeTypeExport }

func (h *ExportHandler) Execute(_ context.Context, req *Request) (any, error) {
	cfg, err := configAs[schema.ExportConfig](req)
	if err != nil {
		return nil, err
	}
	data := combine(req.OrderedInputs())
	l := labelsFor(cfg.Language)
	dr := req.Run.DateRange

	title := cfg.Title
	if title == "" {
		title = l.reportTitle
	}

	out := map[string]any{
		"format":      cfg.Format,
		"exportType":  cfg.Format,
		"template":    cfg.Template,
		"destination": cfg.Destination,
		"title":       title,
		"generatedAt": h.now().UTC().Format(time.RFC3339),
		"workflowId":  req.Run.WorkflowID,
		"runId":       req.Run.RunID,
		"brandId":     req.Run.BrandID,
		"dateRange":   map[string]any{"startDate": dr.StartDate, "endDate": dr.EndDate},
		"data":        data,
	}

	sections := buildSections(data, l, cfg.Currency)
	switch cfg.Format {
	case schema.FormatPDF:
		styling := map[string]any{"primaryColor": "#2563eb", "fontFamily": "Inter", "fontSize": 12}
		for k, v := range cfg.Styling {
			styling[k] = v
		}
		out["structure"] = map[string]any{"sections": sections, "styling": styling}
	case schema.FormatDOCX:
		out["structure"] = map[string]any{"sections": sections, "tableOfContents": true, "pageNumbers": true}
	case schema.FormatSlides:
		out["structure"] = map[string]any{
			"sections":    sections,
			"slides":      buildSlides(data, title, dr, l, cfg.Currency),
			"theme":       "modern",
			"aspectRatio": "16:9",
		}
	case schema.FormatSheets:
		out["structure"] = map[string]any{
			"sections":   sections,
			"sheets":     buildSheets(data, dr, l),
			"formatting": map[string]any{"headerRow": true, "freezeFirstRow": true, "autoFilter": true},
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "unknown export format %q", cfg.Format).WithNode(req.Node.ID)
	}
	return out, nil
}

// Section is one block of a rendered report.
type Section struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content string   `json:"content,omitempty"`
	Items   []string `json:"items,omitempty"`
	Data    any      `json:"data,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Rows    [][]any  `json:"rows,omitempty"`
}

// buildSections orders report blocks: narrative first, provider metrics
// next, then recommendation lists. It always returns at least one section.
func buildSections(data map[string]any, l labels, currency string) []Section {
	var sections []Section

	if text := firstString(data, "summary", "content"); text != "" {
		sections = append(sections, Section{Type: "text", Title: l.summary, Content: text})
	}
	if text := firstString(data, "analysis"); text != "" {
		sections = append(sections, Section{Type: "text", Title: l.analysis, Content: text})
	}
	sections = appendList(sections, l.keyFindings, data["keyFindings"])

	if ads, ok := asMap(data[KeyAdsData]); ok {
		sections = append(sections, Section{Type: "metrics", Title: l.adsPerformance, Data: orSelf(ads, "metrics")})
		if campaigns, ok := asSlice(ads["campaigns"]); ok && len(campaigns) > 0 {
			rows := make([][]any, 0, len(campaigns))
			for _, c := range campaigns {
				m, _ := asMap(c)
				rows = append(rows, []any{
					m["name"], m["impressions"], m["clicks"],
					fmt.Sprintf("%s%.2f", currency, number(m["cost"])),
					m["conversions"],
				})
			}
			sections = append(sections, Section{Type: "table", Title: l.campaigns, Columns: l.campaignColumns, Rows: rows})
		}
	}

	if analytics, ok := asMap(data[KeyAnalyticsData]); ok {
		sections = append(sections, Section{Type: "metrics", Title: l.traffic, Data: orSelf(analytics, "overview")})
	}

	if search, ok := asMap(data[KeySearchConsoleData]); ok {
		sections = append(sections, Section{Type: "metrics", Title: l.seo, Data: orSelf(search, "overview")})
		if queries, ok := asSlice(search["topQueries"]); ok && len(queries) > 0 {
			if len(queries) > maxQueryRows {
				queries = queries[:maxQueryRows]
			}
			rows := make([][]any, 0, len(queries))
			for _, q := range queries {
				m, _ := asMap(q)
				rows = append(rows, []any{
					queryText(m), m["clicks"], m["impressions"],
					fmt.Sprintf("%.2f%%", number(m["ctr"])),
					fmt.Sprintf("%.1f", number(m["position"])),
				})
			}
			sections = append(sections, Section{Type: "table", Title: l.queries, Columns: l.queryColumns, Rows: rows})
		}
	}

	sections = appendList(sections, l.recommendations, data["recommendations"])
	sections = appendList(sections, l.trends, data["trends"])
	sections = appendList(sections, l.quickWins, data["quickWins"])
	sections = appendList(sections, l.longTerm, data["longTermStrategies"])
	sections = appendList(sections, l.contentIdeas, data["contentIdeas"])
	sections = appendList(sections, l.optimizations, data["optimizations"])

	if len(sections) == 0 {
		sections = append(sections, Section{Type: "text", Title: l.summary, Content: l.noData})
	}
	return sections
}

func buildSlides(data map[string]any, title string, dr schema.DateRange, l labels, currency string) []map[string]any {
	slides := []map[string]any{{
		"type": "title", "title": title, "subtitle": dr.StartDate + " - " + dr.EndDate,
	}}

	if text := firstString(data, "summary", "content"); text != "" {
		slides = append(slides, map[string]any{"type": "text", "title": l.summary, "content": text})
	}

	var metrics []map[string]any
	if ads, ok := asMap(data[KeyAdsData]); ok {
		if m, ok := asMap(ads["metrics"]); ok {
			cost := number(m["cost"])
			roas := "N/A"
			if v := number(m["conversionValue"]); v > 0 && cost > 0 {
				roas = fmt.Sprintf("%.2f", v/cost)
			}
			metrics = append(metrics,
				map[string]any{"label": l.adSpend, "value": fmt.Sprintf("%s%.0f", currency, cost)},
				map[string]any{"label": l.conversions, "value": number(m["conversions"])},
				map[string]any{"label": "ROAS", "value": roas},
			)
		}
	}
	if analytics, ok := asMap(data[KeyAnalyticsData]); ok {
		if v, ok := analyticsMetric(analytics, "sessions"); ok {
			metrics = append(metrics, map[string]any{"label": l.sessions, "value": v})
		}
		if v, ok := analyticsMetric(analytics, "totalUsers"); ok {
			metrics = append(metrics, map[string]any{"label": l.users, "value": v})
		}
	}
	if len(metrics) > 0 {
		slides = append(slides, map[string]any{"type": "metrics", "title": l.keyMetrics, "metrics": metrics})
	}

	if ads, ok := asMap(data[KeyAdsData]); ok {
		if campaigns, ok := asSlice(ads["campaigns"]); ok && len(campaigns) > 0 {
			points := make([]map[string]any, 0, len(campaigns))
			for _, c := range campaigns {
				m, _ := asMap(c)
				points = append(points, map[string]any{"label": m["name"], "value": number(m["conversions"])})
			}
			slides = append(slides, map[string]any{"type": "chart", "title": l.campaigns, "chartType": "bar", "data": points})
		}
	}

	if search, ok := asMap(data[KeySearchConsoleData]); ok {
		if o, ok := asMap(search["overview"]); ok {
			slides = append(slides, map[string]any{"type": "metrics", "title": l.seo, "metrics": []map[string]any{
				{"label": l.organicClicks, "value": number(o["clicks"])},
				{"label": l.impressions, "value": number(o["impressions"])},
				{"label": l.avgCTR, "value": fmt.Sprintf("%.2f%%", number(o["ctr"]))},
				{"label": l.avgPosition, "value": fmt.Sprintf("%.1f", number(o["position"]))},
			}})
		}
	}

	if recs := stringSlice(data["recommendations"]); len(recs) > 0 {
		if len(recs) > 5 {
			recs = recs[:5]
		}
		slides = append(slides, map[string]any{"type": "bullets", "title": l.recommendations, "items": recs})
	}

	return append(slides, map[string]any{"type": "closing", "title": l.thanks})
}

func buildSheets(data map[string]any, dr schema.DateRange, l labels) []map[string]any {
	sheets := []map[string]any{{
		"name": l.summarySheet,
		"type": "summary",
		"data": map[string]any{
			"dateRange":   map[string]any{"startDate": dr.StartDate, "endDate": dr.EndDate},
			"summary":     firstString(data, "summary", "content"),
			"keyFindings": orEmpty(stringSlice(data["keyFindings"])),
		},
	}}

	if ads, ok := asMap(data[KeyAdsData]); ok {
		if campaigns, ok := asSlice(ads["campaigns"]); ok && len(campaigns) > 0 {
			rows := make([][]any, 0, len(campaigns))
			for _, c := range campaigns {
				m, _ := asMap(c)
				clicks, impressions, cost := number(m["clicks"]), number(m["impressions"]), number(m["cost"])
				var ctr, cpc float64
				if impressions > 0 {
					ctr = clicks / impressions * 100
				}
				if clicks > 0 {
					cpc = cost / clicks
				}
				rows = append(rows, []any{m["name"], impressions, clicks, cost, number(m["conversions"]), round2(ctr), round2(cpc)})
			}
			sheets = append(sheets, map[string]any{
				"name": "Google Ads", "type": "table",
				"headers": append(append([]string{}, l.campaignColumns...), "CTR", "CPC"),
				"rows":    rows,
			})
		}
	}

	if search, ok := asMap(data[KeySearchConsoleData]); ok {
		if queries, ok := asSlice(search["topQueries"]); ok && len(queries) > 0 {
			rows := make([][]any, 0, len(queries))
			for _, q := range queries {
				m, _ := asMap(q)
				rows = append(rows, []any{queryText(m), m["clicks"], m["impressions"], m["ctr"], m["position"]})
			}
			sheets = append(sheets, map[string]any{"name": l.queries, "type": "table", "headers": l.queryColumns, "rows": rows})
		}
	}
	return sheets
}

func appendList(sections []Section, title string, v any) []Section {
	items := stringSlice(v)
	if len(items) == 0 {
		return sections
	}
	return append(sections, Section{Type: "list", Title: title, Items: items})
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// orSelf returns m[key] when it is present, otherwise m.
func orSelf(m map[string]any, key string) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return m
}

func queryText(m map[string]any) any {
	if keys := stringSlice(m["keys"]); len(keys) > 0 {
		return keys[0]
	}
	return m["query"]
}

// analyticsMetric reads a named metric from the first GA4 overview row.
func analyticsMetric(analytics map[string]any, name string) (float64, bool) {
	overview, ok := asMap(analytics["overview"])
	if !ok {
		return 0, false
	}
	rows, ok := asSlice(overview["rows"])
	if !ok || len(rows) == 0 {
		return 0, false
	}
	first, _ := asMap(rows[0])
	metrics, _ := asSlice(first["metrics"])
	for _, mv := range metrics {
		m, _ := asMap(mv)
		if m["name"] == name {
			return toFloat(m["value"])
		}
	}
	return 0, false
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
