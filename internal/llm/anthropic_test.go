package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

var _ nodes.LanguageModel = (*Anthropic)(nil)

func TestAnthropic_Complete(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-1", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"{\"summary\":"},{"type":"text","text":"\"ok\"}"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":5}}`)
	}))
	defer srv.Close()

	a := NewAnthropic(Config{BaseURL: srv.URL, Model: "claude-test", HTTPClient: srv.Client()})
	text, err := a.Complete(context.Background(), nodes.CompletionRequest{
		APIKey: "sk-ant-1",
		System: "You are a marketing analyst.",
		Prompt: "Summarize.",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, text)

	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	assert.Equal(t, "You are a marketing analyst.", got.System)
	assert.Equal(t, []message{{Role: "user", Content: "Summarize."}}, got.Messages)
}

func TestAnthropic_RequestOverrides(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"content":[]}`)
	}))
	defer srv.Close()

	a := NewAnthropic(Config{BaseURL: srv.URL})
	text, err := a.Complete(context.Background(), nodes.CompletionRequest{APIKey: "k", Model: "claude-other", MaxTokens: 100, Prompt: "p"})
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, "claude-other", got.Model)
	assert.Equal(t, 100, got.MaxTokens)
}

func TestAnthropic_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()
	a := NewAnthropic(Config{BaseURL: srv.URL})

	_, err := a.Complete(context.Background(), nodes.CompletionRequest{APIKey: "bad", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeModel))
	assert.ErrorContains(t, err, "authentication_error: invalid x-api-key")

	_, err = a.Complete(context.Background(), nodes.CompletionRequest{Prompt: "p"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeAPIKeyNotConfigured))

	srv.Close()
	_, err = a.Complete(context.Background(), nodes.CompletionRequest{APIKey: "k", Prompt: "p"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeModel))
}
