package nodes

import (
	"context"
	"time"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Connections resolves provider connections.
type Connections interface {
	GetConnection(ctx context.Context, id string) (*schema.Connection, error)
	// ActiveConnection returns the brand's active connection for provider,
	// or a NOT_FOUND error.
	ActiveConnection(ctx context.Context, brandID, provider string) (*schema.Connection, error)
}

// TokenSource returns a valid bearer token for a connection, refreshing it if needed.
type TokenSource interface {
	Token(ctx context.Context, conn *schema.Connection) (string, error)
}

// Cache stores JSON-compatible provider payloads with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ProviderQuery is the request handed to provider clients.
type ProviderQuery struct {
	Connection *schema.Connection
	Token      string
	DateRange  schema.DateRange
	Metrics    []string
	Dimensions []string
	Limit      int
}

type AdsClient interface {
	AccountMetrics(ctx context.Context, q ProviderQuery) (*schema.AdsReport, error)
}

type AnalyticsClient interface {
	RunReport(ctx context.Context, q ProviderQuery) (*schema.AnalyticsReport, error)
}

type SearchConsoleClient interface {
	SEOReport(ctx context.Context, q ProviderQuery) (*schema.SearchReport, error)
}

// CompletionRequest is a single-turn model request.
type CompletionRequest struct {
	APIKey    string
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// LanguageModel returns the text of the model's reply.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// APIKeys looks up a workspace's stored API key for a provider such as
// "anthropic". A missing key is reported as ("", nil).
type APIKeys interface {
	APIKey(ctx context.Context, workspaceID, provider string) (string, error)
}

// Notification is a message handed to a Notifier.
type Notification struct {
	Channel    string         `json:"channel"`
	Recipients []string       `json:"recipients,omitempty"`
	WebhookURL string         `json:"webhookUrl,omitempty"`
	Subject    string         `json:"subject"`
	Message    string         `json:"message"`
	WorkflowID string         `json:"workflowId"`
	RunID      string         `json:"runId"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
