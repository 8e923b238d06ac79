package providers

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

const (
	searchConsoleBaseURL = "https://www.googleapis.com"
	searchTopRows        = 20
)

// SearchConsoleClient calls the Search Console search analytics API.
type SearchConsoleClient struct {
	opts Options
}

func NewSearchConsoleClient(opts Options) *SearchConsoleClient {
	return &SearchConsoleClient{opts: opts}
}

type searchQuery struct {
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions,omitempty"`
	SearchType string   `json:"searchType"`
	RowLimit   int      `json:"rowLimit,omitempty"`
}

type searchResponse struct {
	Rows []struct {
		Keys        []string `json:"keys"`
		Clicks      number   `json:"clicks"`
		Impressions number   `json:"impressions"`
		CTR         number   `json:"ctr"`
		Position    number   `json:"position"`
	} `json:"rows"`
}

// SEOReport returns top queries, top pages and an overview computed from the
// daily trend. CTR is reported as a percentage; the overview position is
// impression-weighted.
func (c *SearchConsoleClient) SEOReport(ctx context.Context, q nodes.ProviderQuery) (*schema.SearchReport, error) {
	site := q.Connection.SiteURL
	if site == "" {
		site = q.Connection.PropertyID
	}
	if site == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "connection %s has no Search Console site URL", q.Connection.ID)
	}
	if err := checkDateRange(q.DateRange); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = searchTopRows
	}

	var queries, pages, daily []schema.SearchRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		queries, err = c.query(gctx, site, q.Token, q.DateRange, "query", limit)
		return err
	})
	g.Go(func() (err error) {
		pages, err = c.query(gctx, site, q.Token, q.DateRange, "page", limit)
		return err
	})
	g.Go(func() (err error) {
		daily, err = c.query(gctx, site, q.Token, q.DateRange, "date", 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ov schema.SearchOverview
	var weighted float64
	for _, r := range daily {
		ov.Clicks += r.Clicks
		ov.Impressions += r.Impressions
		weighted += r.Position * r.Impressions
	}
	if ov.Impressions > 0 {
		ov.CTR = round2(ov.Clicks / ov.Impressions * 100)
		ov.Position = round2(weighted / ov.Impressions)
	}

	return &schema.SearchReport{
		SiteURL:    site,
		DateRange:  q.DateRange,
		Overview:   ov,
		TopQueries: queries,
		TopPages:   pages,
	}, nil
}

func (c *SearchConsoleClient) query(ctx context.Context, site, token string, dr schema.DateRange, dimension string, limit int) ([]schema.SearchRow, error) {
	endpoint := fmt.Sprintf("%s/webmasters/v3/sites/%s/searchAnalytics/query",
		c.opts.base(searchConsoleBaseURL), url.PathEscape(site))
	body := searchQuery{
		StartDate:  dr.StartDate,
		EndDate:    dr.EndDate,
		Dimensions: []string{dimension},
		SearchType: "web",
		RowLimit:   limit,
	}
	var resp searchResponse
	if err := postJSON(ctx, c.opts.client(), endpoint, token, nil, body, &resp); err != nil {
		return nil, err
	}
	rows := make([]schema.SearchRow, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		keys := r.Keys
		if keys == nil {
			keys = []string{}
		}
		rows = append(rows, schema.SearchRow{
			Keys:        keys,
			Clicks:      float64(r.Clicks),
			Impressions: float64(r.Impressions),
			CTR:         round2(float64(r.CTR) * 100),
			Position:    round2(float64(r.Position)),
		})
	}
	return rows, nil
}
