package nodes

// labels are the human-facing strings of an exported report.
type labels struct {
	reportTitle     string
	summary         string
	analysis        string
	keyFindings     string
	adsPerformance  string
	campaigns       string
	traffic         string
	seo             string
	queries         string
	recommendations string
	trends          string
	quickWins       string
	longTerm        string
	contentIdeas    string
	optimizations   string
	noData          string
	keyMetrics      string
	adSpend         string
	conversions     string
	sessions        string
	users           string
	organicClicks   string
	impressions     string
	avgCTR          string
	avgPosition     string
	thanks          string
	summarySheet    string
	campaignColumns []string
	queryColumns    []string
}

var turkishLabels = labels{
	reportTitle:     "Pazarlama Raporu",
	summary:         "Özet",
	analysis:        "Analiz",
	keyFindings:     "Önemli Bulgular",
	adsPerformance:  "Google Ads Performansı",
	campaigns:       "Kampanya Performansı",
	traffic:         "Web Sitesi Trafiği",
	seo:             "SEO Performansı",
	queries:         "En Çok Aranan Sorgular",
	recommendations: "Öneriler",
	trends:          "Trendler",
	quickWins:       "Hızlı Kazanımlar",
	longTerm:        "Uzun Vadeli Stratejiler",
	contentIdeas:    "İçerik Fikirleri",
	optimizations:   "Optimizasyonlar",
	noData:          "Bu dönem için rapor verisi bulunamadı.",
	keyMetrics:      "Temel Metrikler",
	adSpend:         "Reklam Harcaması",
	conversions:     "Dönüşümler",
	sessions:        "Oturumlar",
	users:           "Kullanıcılar",
	organicClicks:   "Organik Tıklama",
	impressions:     "Gösterim",
	avgCTR:          "Ort. TO",
	avgPosition:     "Ort. Pozisyon",
	thanks:          "Teşekkürler",
	summarySheet:    "Özet",
	campaignColumns: []string{"Kampanya", "Gösterim", "Tıklama", "Maliyet", "Dönüşüm"},
	queryColumns:    []string{"Sorgu", "Tıklama", "Gösterim", "TO", "Pozisyon"},
}

var englishLabels = labels{
	reportTitle:     "Marketing Report",
	summary:         "Summary",
	analysis:        "Analysis",
	keyFindings:     "Key Findings",
	adsPerformance:  "Google Ads Performance",
	campaigns:       "Campaign Performance",
	traffic:         "Website Traffic",
	seo:             "SEO Performance",
	queries:         "Top Search Queries",
	recommendations: "Recommendations",
	trends:          "Trends",
	quickWins:       "Quick Wins",
	longTerm:        "Long-Term Strategies",
	contentIdeas:    "Content Ideas",
	optimizations:   "Optimizations",
	noData:          "No report data was available for this period.",
	keyMetrics:      "Key Metrics",
	adSpend:         "Ad Spend",
	conversions:     "Conversions",
	sessions:        "Sessions",
	users:           "Users",
	organicClicks:   "Organic Clicks",
	impressions:     "Impressions",
	avgCTR:          "Avg. CTR",
	avgPosition:     "Avg. Position",
	thanks:          "Thank You",
	summarySheet:    "Summary",
	campaignColumns: []string{"Campaign", "Impressions", "Clicks", "Cost", "Conversions"},
	queryColumns:    []string{"Query", "Clicks", "Impressions", "CTR", "Position"},
}

func labelsFor(lang string) labels {
	if lang == "en" {
		return englishLabels
	}
	return turkishLabels
}
