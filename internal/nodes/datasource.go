package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/pkg/schema"
)

// DefaultCacheTTL is how long provider payloads stay cached.
const DefaultCacheTTL = 5 * time.Minute

// DataSourceDeps are the collaborators of DataSourceHandler. Cache may be nil.
type DataSourceDeps struct {
	Connections Connections
	Tokens      TokenSource
	Cache       Cache
	Ads         AdsClient
	Analytics   AnalyticsClient
	Search      SearchConsoleClient
	CacheTTL    time.Duration
	Logger      *slog.Logger
}

// DataSourceHandler fetches a provider report for one connection and date range.
type DataSourceHandler struct {
	deps   DataSourceDeps
	logger *slog.Logger
}

func NewDataSourceHandler(deps DataSourceDeps) *DataSourceHandler {
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = DefaultCacheTTL
	}
	return &DataSourceHandler{deps: deps, logger: logging.OrDiscard(deps.Logger)}
}

func (h *DataSourceHandler) Type() schema.NodeType { return schema.NodeTypeDataSource }

func (h *DataSourceHandler) Execute(ctx context.Context, req *Request) (any, error) {
	cfg, err := configAs[schema.DataSourceConfig](req)
	if err != nil {
		return nil, err
	}
	nodeID := req.Node.ID

	conn, err := h.resolveConnection(ctx, req.Run, cfg)
	if err != nil {
		return nil, withNode(err, nodeID)
	}

	dr := req.Run.DateRange
	if cfg.DateRange != nil && !cfg.DateRange.IsZero() {
		dr = *cfg.DateRange
	}

	key := CacheKey(conn.Provider, conn.ID, dr)
	if cached, ok := h.cacheGet(ctx, key); ok {
		req.Run.stats().CacheHits.Add(1)
		return withMergeKey(cached, cfg.MergeKey), nil
	}

	token, err := h.token(ctx, req.Run, conn)
	if err != nil {
		return nil, withNode(err, nodeID)
	}

	q := ProviderQuery{
		Connection: conn,
		Token:      token,
		DateRange:  dr,
		Metrics:    cfg.Metrics,
		Dimensions: cfg.Dimensions,
		Limit:      cfg.Limit,
	}

	var (
		dataType string
		report   any
	)
	req.Run.stats().ExternalCalls.Add(1)
	switch conn.Provider {
	case schema.ProviderGoogleAds:
		dataType = schema.DataTypeAds
		report, err = callProvider(h.deps.Ads, func(c AdsClient) (any, error) { return c.AccountMetrics(ctx, q) })
	case schema.ProviderGoogleAnalytics:
		dataType = schema.DataTypeAnalytics
		report, err = callProvider(h.deps.Analytics, func(c AnalyticsClient) (any, error) { return c.RunReport(ctx, q) })
	case schema.ProviderSearchConsole:
		dataType = schema.DataTypeSearchConsole
		report, err = callProvider(h.deps.Search, func(c SearchConsoleClient) (any, error) { return c.SEOReport(ctx, q) })
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedProvider, "unsupported provider %q", conn.Provider).WithNode(nodeID)
	}
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, withNode(err, nodeID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s request failed: %s", conn.Provider, err.Error()).
			WithNode(nodeID).WithCause(err)
	}

	data, err := normalize(report)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "provider payload is not serializable").WithNode(nodeID).WithCause(err)
	}
	out := map[string]any{
		"type":         dataType,
		"source":       conn.Provider,
		"connectionId": conn.ID,
		"dateRange":    map[string]any{"startDate": dr.StartDate, "endDate": dr.EndDate},
		"data":         data,
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Set(ctx, key, out, h.deps.CacheTTL); err != nil {
			h.logger.WarnContext(ctx, "provider cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return withMergeKey(out, cfg.MergeKey), nil
}

// CacheKey identifies a provider payload by connection and date range.
func CacheKey(provider, connectionID string, dr schema.DateRange) string {
	return fmt.Sprintf("report:%s:%s:%s-%s", provider, connectionID, dr.StartDate, dr.EndDate)
}

func (h *DataSourceHandler) resolveConnection(ctx context.Context, run *RunInfo, cfg *schema.DataSourceConfig) (*schema.Connection, error) {
	if h.deps.Connections == nil {
		return nil, schema.NewError(schema.ErrCodeConnectionNotFound, "no connection store configured")
	}

	var (
		conn *schema.Connection
		err  error
	)
	if cfg.ConnectionID != "" {
		conn, err = h.deps.Connections.GetConnection(ctx, cfg.ConnectionID)
	} else {
		conn, err = h.deps.Connections.ActiveConnection(ctx, run.BrandID, cfg.Source)
	}
	if err != nil || conn == nil {
		ref := cfg.ConnectionID
		if ref == "" {
			ref = cfg.Source + " for brand " + run.BrandID
		}
		e := schema.NewErrorf(schema.ErrCodeConnectionNotFound, "connection not found: %s", ref)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			e = schema.NewErrorf(schema.ErrCodeConnectionNotFound, "connection lookup failed: %s", err.Error())
		}
		return nil, e.WithCause(err)
	}
	if cfg.Source != "" && conn.Provider != cfg.Source {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig,
			"connection %s belongs to %s, not %s", conn.ID, conn.Provider, cfg.Source)
	}
	return conn, nil
}

func (h *DataSourceHandler) token(ctx context.Context, run *RunInfo, conn *schema.Connection) (string, error) {
	if tok := run.Credentials.Tokens[conn.ID]; tok != "" {
		return tok, nil
	}
	if h.deps.Tokens == nil {
		return "", schema.NewErrorf(schema.ErrCodeTokenRefresh, "no token source for connection %s", conn.ID)
	}
	tok, err := h.deps.Tokens.Token(ctx, conn)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeTokenRefresh) {
			return "", err
		}
		return "", schema.NewErrorf(schema.ErrCodeTokenRefresh,
			"token expired and refresh failed for connection %s: %s", conn.ID, err.Error()).WithCause(err)
	}
	return tok, nil
}

func (h *DataSourceHandler) cacheGet(ctx context.Context, key string) (map[string]any, bool) {
	if h.deps.Cache == nil {
		return nil, false
	}
	v, ok, err := h.deps.Cache.Get(ctx, key)
	if err != nil {
		h.logger.WarnContext(ctx, "provider cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	h.logger.DebugContext(ctx, "provider cache hit", slog.String("key", key))
	return m, true
}

func callProvider[C any](client C, call func(C) (any, error)) (any, error) {
	if any(client) == nil {
		return nil, schema.NewError(schema.ErrCodeUnsupportedProvider, "provider client not configured")
	}
	return call(client)
}

func withMergeKey(out map[string]any, key string) map[string]any {
	if key == "" {
		return out
	}
	cp := make(map[string]any, len(out)+1)
	for k, v := range out {
		cp[k] = v
	}
	cp["mergeKey"] = key
	return cp
}

// withNode stamps a node id on structured errors that lack one.
func withNode(err error, nodeID string) error {
	if e, ok := err.(*schema.Error); ok {
		if e.NodeID == "" {
			e.NodeID = nodeID
		}
		return e
	}
	return err
}
