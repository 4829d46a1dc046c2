package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(endpoint string) *Client {
	return NewClient(ClientConfig{
		Endpoint:               endpoint,
		APIKey:                 "test-key",
		Model:                  "test-model",
		Timeout:                5 * time.Second,
		RateLimitRetryAttempts: 3,
		RateLimitBaseDelay:     time.Millisecond,
	})
}

func chatReply(content string) ChatResponse {
	return ChatResponse{
		ID:    "cmpl-1",
		Model: "test-model",
		Choices: []Choice{
			{Message: ChatMessage{Role: "assistant", Content: content}},
		},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestCompleteSuccess(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(chatReply(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "system",
		UserMessage:  "user",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content())
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestCompleteAttachesSchema(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(chatReply("{}"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	schema := NewSchemaFormat("output", map[string]interface{}{"type": "object"})
	_, err := client.Complete(context.Background(), CompletionRequest{
		UserMessage: "u",
		Schema:      schema,
	})
	require.NoError(t, err)

	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat.Type)
	assert.Equal(t, "output", gotReq.ResponseFormat.JSONSchema.Name)
	assert.True(t, gotReq.ResponseFormat.JSONSchema.Strict)
}

func TestCompleteSkipsSchemaWithTools(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(chatReply("{}"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{
		UserMessage: "u",
		Schema:      NewSchemaFormat("output", map[string]interface{}{"type": "object"}),
		Tools: []Tool{{
			Type:     "function",
			Function: ToolFunction{Name: "search_posts"},
		}},
	})
	require.NoError(t, err)

	assert.Nil(t, gotReq.ResponseFormat)
	require.Len(t, gotReq.Tools, 1)
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "u"})
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Content())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCompleteRetryAfterSetsCooldown(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	start := time.Now()
	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "u"})
	require.NoError(t, err)

	// The cooldown from Retry-After gates the second attempt.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestCompleteUpstreamFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "u"})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "boom")
}

func TestAPIErrorMessage(t *testing.T) {
	assert.Equal(t, "model overloaded",
		apiErrorMessage([]byte(`{"error":{"message":"model overloaded"}}`)))
	assert.Equal(t, "invalid api key",
		apiErrorMessage([]byte(`{"error":"invalid api key"}`)))
	assert.Equal(t, "<html>bad gateway</html>",
		apiErrorMessage([]byte("  <html>bad gateway</html>\n")))
	assert.Len(t, apiErrorMessage([]byte(strings.Repeat("x", 1024))), 512)
}

func TestCompleteNetworkError(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")
	_, err := client.Complete(context.Background(), CompletionRequest{UserMessage: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantOK  bool
	}{
		{"plain json", `{"value": 42}`, true},
		{"json fence", "```json\n{\"value\": 42}\n```", true},
		{"bare fence", "```\n{\"value\": 42}\n```", true},
		{"prose around fence", "Here you go:\n```json\n{\"value\": 42}\n```\nDone.", true},
		{"not json", "I cannot answer that.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Value int `json:"value"`
			}
			err := ParseJSONResponse(tt.content, &out)
			if !tt.wantOK {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, out.Value)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, parseRetryAfter(h))

	h = http.Header{}
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))
}

func TestToolCallArguments(t *testing.T) {
	f := ToolCallFunction{Name: "search_posts", Arguments: `{"query":"rates OR fed"}`}
	args, err := f.ArgumentsMap()
	require.NoError(t, err)
	assert.Equal(t, "rates OR fed", args["query"])
}
