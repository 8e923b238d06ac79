package nodes

import (
	"context"
	"log/slog"
	"slices"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/pkg/schema"
)

// ModelProvider is the API-key provider name used for model calls.
const ModelProvider = "anthropic"

// AIAnalysisDeps are the collaborators of AIAnalysisHandler. APIKeys may be
// nil when keys are always supplied with the run.
type AIAnalysisDeps struct {
	Model   LanguageModel
	APIKeys APIKeys
	Logger  *slog.Logger
}

// AIAnalysisHandler turns upstream marketing data into model-written analysis.
type AIAnalysisHandler struct {
	deps   AIAnalysisDeps
	logger *slog.Logger
}

func NewAIAnalysisHandler(deps AIAnalysisDeps) *AIAnalysisHandler {
	return &AIAnalysisHandler{deps: deps, logger: logging.OrDiscard(deps.Logger)}
}

func (h *AIAnalysisHandler) Type() schema.NodeType { return schema.NodeTypeAIAnalysis }

func (h *AIAnalysisHandler) Execute(ctx context.Context, req *Request) (any, error) {
	cfg, err := configAs[schema.AIAnalysisConfig](req)
	if err != nil {
		return nil, err
	}
	nodeID := req.Node.ID

	apiKey, err := h.apiKey(ctx, req.Run)
	if err != nil {
		return nil, withNode(err, nodeID)
	}
	if h.deps.Model == nil {
		return nil, schema.NewError(schema.ErrCodeModel, "no language model configured").WithNode(nodeID)
	}

	inputs := req.OrderedInputs()
	if len(cfg.InputNodeIDs) > 0 {
		inputs = slices.DeleteFunc(inputs, func(in Input) bool {
			return !slices.Contains(cfg.InputNodeIDs, in.NodeID)
		})
	}
	data := combine(inputs)

	call := func(system, prompt string, maxTokens int) (string, error) {
		if cfg.MaxTokens > 0 {
			maxTokens = cfg.MaxTokens
		}
		req.Run.stats().ModelCalls.Add(1)
		text, err := h.deps.Model.Complete(ctx, CompletionRequest{
			APIKey:    apiKey,
			Model:     cfg.Model,
			System:    system,
			Prompt:    prompt,
			MaxTokens: maxTokens,
		})
		if err != nil {
			if schema.CodeOf(err) != "" {
				return "", withNode(err, nodeID)
			}
			return "", schema.NewErrorf(schema.ErrCodeModel, "language model call failed: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
		return text, nil
	}

	switch cfg.AnalysisType {
	case schema.AnalysisSummary:
		return h.summary(data, cfg, call)
	case schema.AnalysisRecommendations:
		return h.recommendations(ctx, data, cfg, call)
	default:
		return h.insights(ctx, data, cfg, call)
	}
}

type modelCall func(system, prompt string, maxTokens int) (string, error)

func (h *AIAnalysisHandler) insights(ctx context.Context, data map[string]any, cfg *schema.AIAnalysisConfig, call modelCall) (any, error) {
	reportType := DetectReportType(data)
	text, err := call(insightsSystemPrompt(reportType, cfg.Language, cfg.Tone), dataPrompt(intro(cfg.Language), cfg.Prompt, data), 4096)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"type":            "insights",
		"reportType":      reportType,
		"summary":         text,
		"keyFindings":     []string{},
		"recommendations": []string{},
		"trends":          []string{},
	}
	parsed, ok := parseJSONObject(text)
	if !ok {
		h.logger.WarnContext(ctx, "model reply was not JSON, keeping raw text as summary")
		return out, nil
	}
	out["summary"], _ = parsed["summary"].(string)
	out["keyFindings"] = orEmpty(stringSlice(parsed["keyFindings"]))
	out["recommendations"] = orEmpty(stringSlice(parsed["recommendations"]))
	out["trends"] = orEmpty(stringSlice(parsed["trends"]))
	return out, nil
}

func (h *AIAnalysisHandler) summary(data map[string]any, cfg *schema.AIAnalysisConfig, call modelCall) (any, error) {
	organized := make(map[string]any, 3)
	for _, k := range []string{KeyAdsData, KeyAnalyticsData, KeySearchConsoleData} {
		if v, ok := data[k]; ok {
			organized[k] = v
		}
	}
	if len(organized) == 0 {
		organized = data
	}

	text, err := call(summarySystemPrompt(cfg.Language), dataPrompt(summaryIntro(cfg.Language), cfg.Prompt, organized), 2048)
	if err != nil {
		return nil, err
	}
	return map[string]any{"type": "summary", "content": text}, nil
}

func (h *AIAnalysisHandler) recommendations(ctx context.Context, data map[string]any, cfg *schema.AIAnalysisConfig, call modelCall) (any, error) {
	if search, ok := asMap(data[KeySearchConsoleData]); ok {
		seo := map[string]any{
			"topQueries": orEmptyList(search["topQueries"]),
			"topPages":   orEmptyList(search["topPages"]),
		}
		text, err := call(seoSystemPrompt(cfg.Language), dataPrompt("SEO data:", cfg.Prompt, seo), 2048)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"type":               "seo-recommendations",
			"quickWins":          []string{},
			"longTermStrategies": []string{},
			"contentIdeas":       []string{},
		}
		parsed, ok := parseJSONObject(text)
		if !ok {
			h.logger.WarnContext(ctx, "model reply was not JSON, keeping raw text as analysis")
			out["analysis"] = text
			return out, nil
		}
		out["quickWins"] = orEmpty(stringSlice(parsed["quickWins"]))
		out["longTermStrategies"] = orEmpty(stringSlice(parsed["longTermStrategies"]))
		out["contentIdeas"] = orEmpty(stringSlice(parsed["contentIdeas"]))
		return out, nil
	}

	if ads, ok := asMap(data[KeyAdsData]); ok {
		if campaigns, ok := asSlice(ads["campaigns"]); ok && len(campaigns) > 0 {
			text, err := call(campaignSystemPrompt(cfg.Language), dataPrompt("Campaign data:", cfg.Prompt, campaigns), 2048)
			if err != nil {
				return nil, err
			}
			out := map[string]any{
				"type":            "campaign-recommendations",
				"analysis":        text,
				"topPerformers":   []string{},
				"underperformers": []string{},
				"optimizations":   []string{},
			}
			parsed, ok := parseJSONObject(text)
			if !ok {
				h.logger.WarnContext(ctx, "model reply was not JSON, keeping raw text as analysis")
				return out, nil
			}
			out["analysis"], _ = parsed["analysis"].(string)
			out["topPerformers"] = orEmpty(stringSlice(parsed["topPerformers"]))
			out["underperformers"] = orEmpty(stringSlice(parsed["underperformers"]))
			out["optimizations"] = orEmpty(stringSlice(parsed["optimizations"]))
			return out, nil
		}
	}

	text, err := call(insightsSystemPrompt(ReportPerformance, cfg.Language, cfg.Tone), dataPrompt(intro(cfg.Language), cfg.Prompt, data), 4096)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"type": "general-recommendations", "recommendations": []string{}}
	parsed, ok := parseJSONObject(text)
	if !ok {
		out["summary"] = text
		return out, nil
	}
	out["recommendations"] = orEmpty(stringSlice(parsed["recommendations"]))
	return out, nil
}

func (h *AIAnalysisHandler) apiKey(ctx context.Context, run *RunInfo) (string, error) {
	if run.Credentials.ModelAPIKey != "" {
		return run.Credentials.ModelAPIKey, nil
	}
	if h.deps.APIKeys != nil {
		key, err := h.deps.APIKeys.APIKey(ctx, run.WorkspaceID, ModelProvider)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return "", schema.NewErrorf(schema.ErrCodeAPIKeyNotConfigured, "API key lookup failed: %s", err.Error()).WithCause(err)
		}
		if key != "" {
			return key, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeAPIKeyNotConfigured, "%s API key not configured for workspace %q", ModelProvider, run.WorkspaceID)
}

// DetectReportType picks the analysis focus from which provider data is present.
func DetectReportType(data map[string]any) string {
	_, ads := data[KeyAdsData]
	_, analytics := data[KeyAnalyticsData]
	_, search := data[KeySearchConsoleData]

	switch {
	case ads && analytics:
		return ReportExecutive
	case search && !ads && !analytics:
		return ReportSEO
	case ads && hasCampaigns(data[KeyAdsData]):
		return ReportCampaign
	default:
		return ReportPerformance
	}
}

func hasCampaigns(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	c, ok := asSlice(m["campaigns"])
	return ok && len(c) > 0
}

func intro(lang string) string {
	if lang == "en" {
		return "Analyze the following marketing data:"
	}
	return "Aşağıdaki pazarlama verilerini analiz et:"
}

func summaryIntro(lang string) string {
	if lang == "en" {
		return "Analyze the following marketing data and prepare an executive summary:"
	}
	return "Aşağıdaki pazarlama verilerini analiz et ve yönetici özeti hazırla:"
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyList(v any) []any {
	if s, ok := asSlice(v); ok {
		return s
	}
	return []any{}
}
