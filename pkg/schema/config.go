package schema

import (
	"encoding/json"
	"fmt"
)

// Provider names accepted by data-source nodes.
const (
	ProviderGoogleAds       = "google-ads"
	ProviderGoogleAnalytics = "google-analytics"
	ProviderSearchConsole   = "google-search-console"
)

// Payload tags carried by data-source outputs.
const (
	DataTypeAds           = "ads"
	DataTypeAnalytics     = "analytics"
	DataTypeSearchConsole = "search-console"
)

// DataSourceConfig configures a data-source node.
type DataSourceConfig struct {
	Source       string     `json:"source,omitempty"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Metrics      []string   `json:"metrics,omitempty"`
	Dimensions   []string   `json:"dimensions,omitempty"`
	DateRange    *DateRange `json:"dateRange,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	MergeKey     string     `json:"mergeKey,omitempty"`
}

// Analysis types.
const (
	AnalysisInsights        = "insights"
	AnalysisSummary         = "summary"
	AnalysisRecommendations = "recommendations"
)

// AIAnalysisConfig configures an ai-analysis node.
type AIAnalysisConfig struct {
	AnalysisType string   `json:"analysisType"`
	Prompt       string   `json:"prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Language     string   `json:"language,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	InputNodeIDs []string `json:"inputNodeIds,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
}

// Transform operations.
const (
	TransformMerge     = "merge"
	TransformFilter    = "filter"
	TransformAggregate = "aggregate"
	TransformCalculate = "calculate"
)

// Filter operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "notEquals"
	OpGT        = "gt"
	OpGTE       = "gte"
	OpLT        = "lt"
	OpLTE       = "lte"
	OpContains  = "contains"
)

// Aggregation functions.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// Calculation functions.
const (
	CalcAdd        = "add"
	CalcSubtract   = "subtract"
	CalcMultiply   = "multiply"
	CalcDivide     = "divide"
	CalcPercentage = "percentage"
)

// Aggregation is one {field, operation, alias} triple.
type Aggregation struct {
	Field     string `json:"field"`
	Operation string `json:"operation"`
	Alias     string `json:"alias,omitempty"`
}

// OutputName returns the alias, falling back to the field (or "count" for a
// field-less count).
func (a Aggregation) OutputName() string {
	switch {
	case a.Alias != "":
		return a.Alias
	case a.Field != "":
		return a.Field
	default:
		return a.Operation
	}
}

// Calculation derives Alias from Fields.
type Calculation struct {
	Operation string   `json:"operation"`
	Fields    []string `json:"fields"`
	Alias     string   `json:"alias"`
}

// TransformConfig configures a transform node.
type TransformConfig struct {
	Operation    string            `json:"operation"`
	Path         string            `json:"path,omitempty"`
	Field        string            `json:"field,omitempty"`
	Operator     string            `json:"operator,omitempty"`
	Value        any               `json:"value,omitempty"`
	GroupBy      string            `json:"groupBy,omitempty"`
	Aggregations []Aggregation     `json:"aggregations,omitempty"`
	Calculations []Calculation     `json:"calculations,omitempty"`
	MergeKeys    map[string]string `json:"mergeKeys,omitempty"`
}

// Export formats.
const (
	FormatPDF    = "pdf"
	FormatDOCX   = "docx"
	FormatSlides = "slides"
	FormatSheets = "sheets"
)

// ExportConfig configures an export node.
type ExportConfig struct {
	Format      string         `json:"format"`
	Template    string         `json:"template,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Title       string         `json:"title,omitempty"`
	Language    string         `json:"language,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Styling     map[string]any `json:"styling,omitempty"`
}

// Notification channels.
const (
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// NotificationConfig configures a notification node.
type NotificationConfig struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// TriggerConfig configures a trigger node. It carries no runtime behavior.
type TriggerConfig struct {
	Kind string `json:"kind,omitempty"`
}

// DecodeConfig decodes a node's (already template-resolved) config map into the
// typed config for its kind and checks enumerated values.
func DecodeConfig(n *Node) (any, error) {
	var target any
	switch n.Type {
	case NodeTypeTrigger:
		target = &TriggerConfig{}
	case NodeTypeDataSource:
		target = &DataSourceConfig{}
	case NodeTypeAIAnalysis:
		target = &AIAnalysisConfig{}
	case NodeTypeTransform:
		target = &TransformConfig{}
	case NodeTypeExport:
		target = &ExportConfig{}
	case NodeTypeNotification:
		target = &NotificationConfig{}
	default:
		return nil, NewErrorf(ErrCodeUnknownNodeType, "unknown node type %q", n.Type).WithNode(n.ID)
	}

	if len(n.Config) > 0 {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, NewError(ErrCodeInvalidConfig, "config is not serializable").WithNode(n.ID).WithCause(err)
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, NewErrorf(ErrCodeInvalidConfig, "decode %s config: %s", n.Type, err.Error()).WithNode(n.ID).WithCause(err)
		}
	}

	if err := checkConfig(target); err != nil {
		return nil, NewError(ErrCodeInvalidConfig, err.Error()).WithNode(n.ID)
	}
	return target, nil
}

func checkConfig(cfg any) error {
	switch c := cfg.(type) {
	case *DataSourceConfig:
		if c.Source == "" && c.ConnectionID == "" {
			return fmt.Errorf("data-source requires source or connectionId")
		}
		if c.Source != "" && !oneOf(c.Source, ProviderGoogleAds, ProviderGoogleAnalytics, ProviderSearchConsole) {
			return fmt.Errorf("unsupported source %q", c.Source)
		}
	case *AIAnalysisConfig:
		if c.AnalysisType == "" {
			c.AnalysisType = AnalysisInsights
		}
		if !oneOf(c.AnalysisType, AnalysisInsights, AnalysisSummary, AnalysisRecommendations) {
			return fmt.Errorf("unknown analysisType %q", c.AnalysisType)
		}
		if c.Language == "" {
			c.Language = "tr"
		}
		if c.Tone == "" {
			c.Tone = "professional"
		}
	case *TransformConfig:
		return checkTransform(c)
	case *ExportConfig:
		if c.Format == "" {
			c.Format = FormatPDF
		}
		if !oneOf(c.Format, FormatPDF, FormatDOCX, FormatSlides, FormatSheets) {
			return fmt.Errorf("unknown export format %q", c.Format)
		}
		if c.Destination == "" {
			c.Destination = "download"
		}
		if c.Template == "" {
			c.Template = "default"
		}
		if c.Language == "" {
			c.Language = "tr"
		}
		if c.Currency == "" {
			c.Currency = "₺"
		}
	case *NotificationConfig:
		if !oneOf(c.Channel, ChannelEmail, ChannelSlack, ChannelWebhook) {
			return fmt.Errorf("unknown notification channel %q", c.Channel)
		}
	}
	return nil
}

func checkTransform(c *TransformConfig) error {
	switch c.Operation {
	case TransformMerge:
	case TransformFilter:
		if c.Field == "" {
			return fmt.Errorf("filter requires field")
		}
		if !oneOf(c.Operator, OpEquals, OpNotEquals, OpGT, OpGTE, OpLT, OpLTE, OpContains) {
			return fmt.Errorf("unknown filter operator %q", c.Operator)
		}
	case TransformAggregate:
		if len(c.Aggregations) == 0 {
			return fmt.Errorf("aggregate requires at least one aggregation")
		}
		for _, a := range c.Aggregations {
			if !oneOf(a.Operation, AggSum, AggAvg, AggMin, AggMax, AggCount) {
				return fmt.Errorf("unknown aggregation %q", a.Operation)
			}
			if a.Field == "" && a.Operation != AggCount {
				return fmt.Errorf("aggregation %s requires field", a.Operation)
			}
		}
	case TransformCalculate:
		if len(c.Calculations) == 0 {
			return fmt.Errorf("calculate requires at least one calculation")
		}
		for _, calc := range c.Calculations {
			if !oneOf(calc.Operation, CalcAdd, CalcSubtract, CalcMultiply, CalcDivide, CalcPercentage) {
				return fmt.Errorf("unknown calculation %q", calc.Operation)
			}
			if calc.Alias == "" || len(calc.Fields) == 0 {
				return fmt.Errorf("calculation %s requires fields and alias", calc.Operation)
			}
		}
	default:
		return fmt.Errorf("unknown transform operation %q", c.Operation)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
