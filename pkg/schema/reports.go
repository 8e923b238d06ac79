package schema

// Connection is a brand's authorized link to an external data provider.
type Connection struct {
	ID         string `json:"id"`
	BrandID    string `json:"brandId"`
	Provider   string `json:"provider"`
	AccountID  string `json:"accountId,omitempty"`
	PropertyID string `json:"propertyId,omitempty"`
	SiteURL    string `json:"siteUrl,omitempty"`
	Active     bool   `json:"active"`
}

// AdsMetrics are account-level Google Ads totals.
type AdsMetrics struct {
	Impressions       float64 `json:"impressions"`
	Clicks            float64 `json:"clicks"`
	Cost              float64 `json:"cost"`
	Conversions       float64 `json:"conversions"`
	ConversionValue   float64 `json:"conversionValue"`
	CTR               float64 `json:"ctr"`
	AverageCPC        float64 `json:"averageCpc"`
	CostPerConversion float64 `json:"costPerConversion"`
}

// Campaign is one Google Ads campaign row.
type Campaign struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Status      string  `json:"status,omitempty"`
	Impressions float64 `json:"impressions"`
	Clicks      float64 `json:"clicks"`
	Cost        float64 `json:"cost"`
	Conversions float64 `json:"conversions"`
}

// AdsReport is the payload of a google-ads data-source.
type AdsReport struct {
	CustomerID string     `json:"customerId"`
	DateRange  DateRange  `json:"dateRange"`
	Metrics    AdsMetrics `json:"metrics"`
	Campaigns  []Campaign `json:"campaigns"`
}

// MetricValue is a named metric inside a GA4 row.
type MetricValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// DimensionValue is a named dimension inside a GA4 row.
type DimensionValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AnalyticsRow is one GA4 report row.
type AnalyticsRow struct {
	Dimensions []DimensionValue `json:"dimensions,omitempty"`
	Metrics    []MetricValue    `json:"metrics"`
}

// AnalyticsTable is a set of GA4 rows.
type AnalyticsTable struct {
	Rows []AnalyticsRow `json:"rows"`
}

// AnalyticsReport is the payload of a google-analytics data-source.
type AnalyticsReport struct {
	PropertyID      string         `json:"propertyId"`
	DateRange       DateRange      `json:"dateRange"`
	Overview        AnalyticsTable `json:"overview"`
	TrafficSources  AnalyticsTable `json:"trafficSources"`
	TopPages        AnalyticsTable `json:"topPages"`
	DeviceBreakdown AnalyticsTable `json:"deviceBreakdown"`
}

// SearchOverview are site-level Search Console totals.
type SearchOverview struct {
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// SearchRow is one Search Console row keyed by query or page.
type SearchRow struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// SearchReport is the payload of a google-search-console data-source.
type SearchReport struct {
	SiteURL    string         `json:"siteUrl"`
	DateRange  DateRange      `json:"dateRange"`
	Overview   SearchOverview `json:"overview"`
	TopQueries []SearchRow    `json:"topQueries"`
	TopPages   []SearchRow    `json:"topPages"`
}
