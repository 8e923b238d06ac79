package nodes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Report types chosen for insights analysis from the shape of the data.
const (
	ReportPerformance = "performance"
	ReportSEO         = "seo"
	ReportCampaign    = "campaign"
	ReportExecutive   = "executive"
)

var reportFocus = map[string]string{
	ReportPerformance: "Analyze overall digital marketing performance. Focus on ROI, conversion rates and growth trends.",
	ReportSEO:         "Analyze SEO performance. Focus on organic traffic, keyword rankings and content opportunities.",
	ReportCampaign:    "Analyze paid campaign performance. Focus on cost efficiency, audience performance and optimization opportunities.",
	ReportExecutive:   "Prepare a summary across every digital marketing channel. Focus on business outcomes and strategic decisions.",
}

var toneInstructions = map[string]string{
	"professional": "Use a professional, objective tone grounded in the data.",
	"casual":       "Use a friendly but informative tone and explain complex terms.",
	"executive":    "Write for senior management: short and outcome oriented.",
}

func languageInstruction(lang string) string {
	if lang == "en" {
		return "Provide your response in English."
	}
	return "Yanıtını Türkçe olarak ver."
}

func insightsSystemPrompt(reportType, lang, tone string) string {
	toneText, ok := toneInstructions[tone]
	if !ok {
		toneText = toneInstructions["professional"]
	}
	return fmt.Sprintf(`You are a digital marketing analyst.
%s
%s
%s

Reply with JSON only, in this shape:
{
  "summary": "short summary paragraph",
  "keyFindings": ["finding", "..."],
  "recommendations": ["recommendation", "..."],
  "trends": ["trend", "..."]
}`, reportFocus[reportType], languageInstruction(lang), toneText)
}

func summarySystemPrompt(lang string) string {
	return fmt.Sprintf(`You are a digital marketing expert.
Analyze the data and write a short, actionable executive summary.
%s

The summary must contain:
1. An overall performance assessment (2-3 sentences)
2. Notable wins (bullet points)
3. Areas that need improvement (bullet points)
4. Recommendations for the next period (bullet points)

Avoid technical jargon and focus on business results.`, languageInstruction(lang))
}

func campaignSystemPrompt(lang string) string {
	return fmt.Sprintf(`You are a Google Ads campaign optimization expert.
Analyze the campaign data and give concrete advice.
%s

Reply with JSON only, in this shape:
{
  "analysis": "overall assessment paragraph",
  "topPerformers": ["campaign name"],
  "underperformers": ["campaign name"],
  "optimizations": ["specific optimization"]
}`, languageInstruction(lang))
}

func seoSystemPrompt(lang string) string {
	return fmt.Sprintf(`You are an SEO expert.
Analyze the Search Console data and propose SEO strategies.
%s

Reply with JSON only, in this shape:
{
  "quickWins": ["improvement applicable within 1-2 weeks"],
  "longTermStrategies": ["long-term SEO strategy"],
  "contentIdeas": ["topic worth producing content for"]
}`, languageInstruction(lang))
}

// dataPrompt renders the user turn: an intro, the optional extra instruction
// from the node config, and the data as indented JSON.
func dataPrompt(intro, extra string, data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		b = []byte(fmt.Sprint(data))
	}
	var sb strings.Builder
	sb.WriteString(intro)
	if extra = strings.TrimSpace(extra); extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	sb.WriteString("\n\n")
	sb.Write(b)
	return sb.String()
}

// parseJSONObject extracts the first JSON object from model text. Models
// sometimes wrap JSON in prose or code fences.
func parseJSONObject(text string) (map[string]any, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, true
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}
