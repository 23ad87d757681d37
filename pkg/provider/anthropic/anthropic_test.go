package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))

		var req models.AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-haiku-20241022", req.Model)
		assert.Equal(t, "you are terse", req.System)
		assert.Equal(t, pricing.DefaultMaxOutputTokens, req.MaxTokens)

		_, _ = w.Write([]byte(`{
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "Hel"}, {"type": "tool_use", "id": "x"}, {"type": "text", "text": "lo"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p := New(provider.Config{URL: srv.URL, APIKey: "sk-ant"}, nil, nil)
	resp, err := p.Execute(context.Background(), "hi", "claude-3-5-haiku-20241022", provider.ExecuteOptions{SystemPrompt: "you are terse"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestExecuteMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "12345678"}]}`))
	}))
	defer srv.Close()

	p := New(provider.Config{URL: srv.URL}, nil, nil)
	resp, err := p.Execute(context.Background(), "abcd", "claude-3-opus-20240229", provider.ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Estimated)
	assert.Equal(t, 1, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, "claude-3-opus-20240229", resp.Model)
}
