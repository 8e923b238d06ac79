package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/pkg/schema"
)

// request decodes cfg for a node of type typ and builds a Request around it.
func request(t *testing.T, id string, typ schema.NodeType, cfg map[string]any, inputs ...Input) *Request {
	t.Helper()
	node := &schema.Node{ID: id, Type: typ, Config: cfg}
	decoded, err := schema.DecodeConfig(node)
	require.NoError(t, err)

	req := &Request{
		Node:   node,
		Config: decoded,
		Inputs: map[string]any{},
		Run: &RunInfo{
			WorkflowID:  "wf-1",
			RunID:       "run-1",
			WorkspaceID: "ws-1",
			BrandID:     "brand-1",
			DateRange:   schema.DateRange{StartDate: "2026-09-01", EndDate: "2026-09-30"},
			Stats:       &Stats{},
		},
	}
	for _, in := range inputs {
		req.Inputs[in.NodeID] = in.Output
		req.Upstream = append(req.Upstream, in.NodeID)
	}
	return req
}

type fakeConnections struct {
	byID map[string]*schema.Connection
}

func (f *fakeConnections) GetConnection(_ context.Context, id string) (*schema.Connection, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %s not found", id)
	}
	return c, nil
}

func (f *fakeConnections) ActiveConnection(_ context.Context, brandID, provider string) (*schema.Connection, error) {
	for _, c := range f.byID {
		if c.BrandID == brandID && c.Provider == provider && c.Active {
			return c, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active %s connection", provider)
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) Token(context.Context, *schema.Connection) (string, error) {
	f.calls++
	return f.token, f.err
}

type memCache struct {
	mu    sync.Mutex
	items map[string]any
	ttl   time.Duration
	err   error
}

func newMemCache() *memCache { return &memCache{items: map[string]any{}} }

func (c *memCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	c.ttl = ttl
	return nil
}

type fakeAds struct {
	report *schema.AdsReport
	err    error
	last   ProviderQuery
	calls  int
}

func (f *fakeAds) AccountMetrics(_ context.Context, q ProviderQuery) (*schema.AdsReport, error) {
	f.calls++
	f.last = q
	return f.report, f.err
}

type fakeSearch struct {
	report *schema.SearchReport
}

func (f *fakeSearch) SEOReport(context.Context, ProviderQuery) (*schema.SearchReport, error) {
	return f.report, nil
}

type fakeModel struct {
	reply string
	err   error
	reqs  []CompletionRequest
}

func (f *fakeModel) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type fakeKeys map[string]string

func (f fakeKeys) APIKey(_ context.Context, workspaceID, provider string) (string, error) {
	return f[workspaceID+"/"+provider], nil
}

type fakeNotifier struct {
	sent []Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func sampleAdsReport() *schema.AdsReport {
	return &schema.AdsReport{
		CustomerID: "123",
		Metrics:    schema.AdsMetrics{Impressions: 1000, Clicks: 50, Cost: 250.5, Conversions: 5, ConversionValue: 1000},
		Campaigns: []schema.Campaign{
			{Name: "Brand", Impressions: 600, Clicks: 40, Cost: 200, Conversions: 4},
			{Name: "Generic", Impressions: 400, Clicks: 10, Cost: 50.5, Conversions: 1},
		},
	}
}
