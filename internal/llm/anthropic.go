// Package llm is a minimal client for the Anthropic Messages API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Config for Anthropic. Zero values take the defaults.
type Config struct {
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Anthropic implements nodes.LanguageModel. The API key travels with each
// request because it belongs to the workspace, not the process.
type Anthropic struct {
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func NewAnthropic(cfg Config) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Anthropic{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    logging.OrDiscard(cfg.Logger),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single user turn and returns the concatenated text blocks
// of the reply.
func (a *Anthropic) Complete(ctx context.Context, req nodes.CompletionRequest) (string, error) {
	if req.APIKey == "" {
		return "", schema.NewError(schema.ErrCodeAPIKeyNotConfigured, "anthropic API key is empty")
	}
	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	if body.Model == "" {
		body.Model = a.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = a.maxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeModel, "anthropic request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeModel, "read anthropic response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Type + ": " + ae.Error.Message
		}
		return "", schema.NewErrorf(schema.ErrCodeModel, "anthropic HTTP %d: %s", resp.StatusCode, msg).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", schema.NewError(schema.ErrCodeModel, "decode anthropic response").WithCause(err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	a.logger.DebugContext(ctx, "model call finished",
		slog.String("model", body.Model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
		slog.Duration("elapsed", time.Since(start)),
	)
	return sb.String(), nil
}
