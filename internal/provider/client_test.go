package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyplan/internal/config"
)

func TestOpenAIClient_Generate(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"{\"blocks\":[]}"}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{Name: "openai", BaseURL: srv.URL + "/v1/", APIKey: "sk-test"})
	resp, err := c.Generate(context.Background(), &Request{System: "sys", Prompt: "plan please"})
	require.NoError(t, err)

	assert.Equal(t, `{"blocks":[]}`, resp.Text)
	assert.Equal(t, 42, resp.TotalTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached"}}`, CodeRateLimited},
		{"quota", http.StatusTooManyRequests, `{"error":{"code":"insufficient_quota"}}`, CodeQuotaExceeded},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid model"}}`, CodeInvalidRequest},
		{"server error", http.StatusServiceUnavailable, `overloaded`, CodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAIClient(config.ProviderConfig{Name: "openai", BaseURL: srv.URL})
			_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Status)
		})
	}
}

func TestOpenAIClient_NoChoicesIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
	assert.True(t, IsMalformed(err))
}

func TestDifyClient_Workflow(t *testing.T) {
	var inputs map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflows/run", r.URL.Path)
		var req difyWorkflowRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputs = req.Inputs
		assert.Equal(t, "blocking", req.ResponseMode)

		_, _ = w.Write([]byte(`{"task_id":"t1","data":{"status":"succeeded","outputs":{"plan":{"blocks":[]}},"total_tokens":7}}`))
	}))
	defer srv.Close()

	c := NewDifyClient(config.ProviderConfig{
		Name:              "dify",
		BaseURL:           srv.URL,
		AppType:           "workflow",
		WorkflowOutputKey: "plan",
	})
	resp, err := c.Generate(context.Background(), &Request{System: "sys", Prompt: "q"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"blocks":[]}`, resp.Text)
	assert.Equal(t, 7, resp.TotalTokens)
	assert.Equal(t, "sys", inputs["system"])
	assert.Equal(t, "q", inputs["query"])
}

func TestDifyClient_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-messages", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_param","message":"query is required"}`))
	}))
	defer srv.Close()

	c := NewDifyClient(config.ProviderConfig{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), &Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidRequest, Classify(err))
	assert.Contains(t, err.Error(), "query is required")
}

func TestExtractWorkflowAnswer(t *testing.T) {
	assert.Equal(t, "", extractWorkflowAnswer(nil, ""))
	assert.Equal(t, "hi", extractWorkflowAnswer(map[string]interface{}{"answer": "hi"}, ""))
	assert.Equal(t, `{"x":1}`, extractWorkflowAnswer(map[string]interface{}{"x": 1}, "missing"))
}
