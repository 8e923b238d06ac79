package providers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

const (
	adsBaseURL    = "https://googleads.googleapis.com"
	adsAPIVersion = "v17"
	microsPerUnit = 1_000_000
)

// AdsOptions configures AdsClient.
type AdsOptions struct {
	Options
	DeveloperToken  string
	LoginCustomerID string // manager account, optional
}

// AdsClient queries the Google Ads API with GAQL.
type AdsClient struct {
	opts AdsOptions
}

func NewAdsClient(opts AdsOptions) *AdsClient {
	return &AdsClient{opts: opts}
}

type adsRow struct {
	Campaign *struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"campaign"`
	Metrics struct {
		Impressions      number `json:"impressions"`
		Clicks           number `json:"clicks"`
		CostMicros       number `json:"costMicros"`
		Conversions      number `json:"conversions"`
		ConversionsValue number `json:"conversionsValue"`
	} `json:"metrics"`
}

type adsSearchResponse struct {
	Results       []adsRow `json:"results"`
	NextPageToken string   `json:"nextPageToken"`
}

// AccountMetrics returns account totals and per-campaign rows for the
// connection's customer. Totals and campaigns are fetched concurrently.
func (c *AdsClient) AccountMetrics(ctx context.Context, q nodes.ProviderQuery) (*schema.AdsReport, error) {
	customerID := strings.ReplaceAll(q.Connection.AccountID, "-", "")
	if customerID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "connection %s has no Google Ads customer id", q.Connection.ID)
	}
	if err := checkDateRange(q.DateRange); err != nil {
		return nil, err
	}
	report := &schema.AdsReport{CustomerID: customerID, DateRange: q.DateRange}

	g, gctx := errgroup.WithContext(ctx)
	var totals, campaigns []adsRow
	g.Go(func() error {
		rows, err := c.search(gctx, customerID, q.Token, accountQuery(q.DateRange))
		totals = rows
		return err
	})
	g.Go(func() error {
		rows, err := c.search(gctx, customerID, q.Token, campaignQuery(q.DateRange, q.Limit))
		campaigns = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &report.Metrics
	for _, r := range totals {
		m.Impressions += float64(r.Metrics.Impressions)
		m.Clicks += float64(r.Metrics.Clicks)
		m.Cost += float64(r.Metrics.CostMicros) / microsPerUnit
		m.Conversions += float64(r.Metrics.Conversions)
		m.ConversionValue += float64(r.Metrics.ConversionsValue)
	}
	if m.Impressions > 0 {
		m.CTR = round2(m.Clicks / m.Impressions * 100)
	}
	if m.Clicks > 0 {
		m.AverageCPC = round2(m.Cost / m.Clicks)
	}
	if m.Conversions > 0 {
		m.CostPerConversion = round2(m.Cost / m.Conversions)
	}
	m.Cost = round2(m.Cost)

	report.Campaigns = make([]schema.Campaign, 0, len(campaigns))
	for _, r := range campaigns {
		if r.Campaign == nil {
			continue
		}
		report.Campaigns = append(report.Campaigns, schema.Campaign{
			ID:          r.Campaign.ID,
			Name:        r.Campaign.Name,
			Status:      r.Campaign.Status,
			Impressions: float64(r.Metrics.Impressions),
			Clicks:      float64(r.Metrics.Clicks),
			Cost:        round2(float64(r.Metrics.CostMicros) / microsPerUnit),
			Conversions: float64(r.Metrics.Conversions),
		})
	}
	sort.SliceStable(report.Campaigns, func(i, j int) bool {
		return report.Campaigns[i].Cost > report.Campaigns[j].Cost
	})
	return report, nil
}

// search runs a GAQL query, following page tokens.
func (c *AdsClient) search(ctx context.Context, customerID, token, query string) ([]adsRow, error) {
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:search",
		c.opts.base(adsBaseURL), adsAPIVersion, url.PathEscape(customerID))
	headers := map[string]string{
		"developer-token":   c.opts.DeveloperToken,
		"login-customer-id": strings.ReplaceAll(c.opts.LoginCustomerID, "-", ""),
	}

	var rows []adsRow
	pageToken := ""
	for {
		body := map[string]any{"query": query}
		if pageToken != "" {
			body["pageToken"] = pageToken
		}
		var resp adsSearchResponse
		if err := postJSON(ctx, c.opts.client(), endpoint, token, headers, body, &resp); err != nil {
			return nil, err
		}
		rows = append(rows, resp.Results...)
		if resp.NextPageToken == "" {
			return rows, nil
		}
		pageToken = resp.NextPageToken
	}
}

func accountQuery(dr schema.DateRange) string {
	return fmt.Sprintf(`SELECT metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions, metrics.conversions_value
FROM customer
WHERE segments.date BETWEEN '%s' AND '%s'`, dr.StartDate, dr.EndDate)
}

func campaignQuery(dr schema.DateRange, limit int) string {
	q := fmt.Sprintf(`SELECT campaign.id, campaign.name, campaign.status, metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions
FROM campaign
WHERE segments.date BETWEEN '%s' AND '%s' AND campaign.status != 'REMOVED'
ORDER BY metrics.cost_micros DESC`, dr.StartDate, dr.EndDate)
	if limit > 0 {
		q += fmt.Sprintf("\nLIMIT %d", limit)
	}
	return q
}
