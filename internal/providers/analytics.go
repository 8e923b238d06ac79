package providers

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

const analyticsBaseURL = "https://analyticsdata.googleapis.com"

// Default overview request when the node names no metrics or dimensions.
var (
	DefaultAnalyticsMetrics    = []string{"sessions", "totalUsers", "screenPageViews"}
	DefaultAnalyticsDimensions = []string{"date"}
)

// AnalyticsClient calls the GA4 Data API.
type AnalyticsClient struct {
	opts Options
}

func NewAnalyticsClient(opts Options) *AnalyticsClient {
	return &AnalyticsClient{opts: opts}
}

type ga4Request struct {
	DateRanges []ga4DateRange `json:"dateRanges"`
	Metrics    []ga4Name      `json:"metrics"`
	Dimensions []ga4Name      `json:"dimensions,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

type ga4DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type ga4Name struct {
	Name string `json:"name"`
}

type ga4Response struct {
	Rows []struct {
		DimensionValues []struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues []struct {
			Value number `json:"value"`
		} `json:"metricValues"`
	} `json:"rows"`
}

type ga4Report struct {
	metrics    []string
	dimensions []string
	limit      int
	into       *schema.AnalyticsTable
}

// RunReport fetches the overview requested by q plus the traffic source, top
// page and device breakdowns. The four reports run concurrently.
func (c *AnalyticsClient) RunReport(ctx context.Context, q nodes.ProviderQuery) (*schema.AnalyticsReport, error) {
	propertyID := q.Connection.PropertyID
	if propertyID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "connection %s has no GA4 property id", q.Connection.ID)
	}
	if err := checkDateRange(q.DateRange); err != nil {
		return nil, err
	}
	report := &schema.AnalyticsReport{PropertyID: propertyID, DateRange: q.DateRange}

	metrics, dimensions := q.Metrics, q.Dimensions
	if len(metrics) == 0 {
		metrics = DefaultAnalyticsMetrics
	}
	if len(dimensions) == 0 {
		dimensions = DefaultAnalyticsDimensions
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10000
	}

	reports := []ga4Report{
		{metrics, dimensions, limit, &report.Overview},
		{[]string{"sessions", "totalUsers", "conversions", "engagementRate"}, []string{"sessionSourceMedium"}, 50, &report.TrafficSources},
		{[]string{"screenPageViews", "averageSessionDuration", "bounceRate"}, []string{"pagePath", "pageTitle"}, 20, &report.TopPages},
		{[]string{"sessions", "totalUsers"}, []string{"deviceCategory"}, 0, &report.DeviceBreakdown},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reports {
		g.Go(func() error {
			table, err := c.run(gctx, propertyID, q.Token, q.DateRange, r)
			if err != nil {
				return err
			}
			*r.into = *table
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (c *AnalyticsClient) run(ctx context.Context, propertyID, token string, dr schema.DateRange, r ga4Report) (*schema.AnalyticsTable, error) {
	body := ga4Request{
		DateRanges: []ga4DateRange{{StartDate: dr.StartDate, EndDate: dr.EndDate}},
		Limit:      r.limit,
	}
	for _, m := range r.metrics {
		body.Metrics = append(body.Metrics, ga4Name{Name: m})
	}
	for _, d := range r.dimensions {
		body.Dimensions = append(body.Dimensions, ga4Name{Name: d})
	}

	endpoint := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.opts.base(analyticsBaseURL), url.PathEscape(propertyID))
	var resp ga4Response
	if err := postJSON(ctx, c.opts.client(), endpoint, token, nil, body, &resp); err != nil {
		return nil, err
	}

	table := &schema.AnalyticsTable{Rows: make([]schema.AnalyticsRow, 0, len(resp.Rows))}
	for _, row := range resp.Rows {
		out := schema.AnalyticsRow{Metrics: make([]schema.MetricValue, 0, len(row.MetricValues))}
		for i, d := range row.DimensionValues {
			out.Dimensions = append(out.Dimensions, schema.DimensionValue{Name: nameAt(r.dimensions, i, "dimension"), Value: d.Value})
		}
		for i, m := range row.MetricValues {
			out.Metrics = append(out.Metrics, schema.MetricValue{Name: nameAt(r.metrics, i, "metric"), Value: float64(m.Value)})
		}
		table.Rows = append(table.Rows, out)
	}
	return table, nil
}

func nameAt(names []string, i int, kind string) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("%s_%d", kind, i)
}
