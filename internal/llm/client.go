package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const maxBackoff = 60 * time.Second

// Completer is the single operation every agent needs from the client
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*ChatResponse, error)
}

// Client is the sole path for all model calls. It shares one Limiter across
// every caller so the whole process observes a single rate-limit budget.
type Client struct {
	endpoint      string
	apiKey        string
	model         string
	temperature   float64
	maxTokens     int
	retryAttempts int
	baseDelay     time.Duration
	httpClient    *http.Client
	limiter       *Limiter
}

// ClientConfig contains configuration for the LLM client
type ClientConfig struct {
	Endpoint               string
	APIKey                 string
	Model                  string
	Temperature            float64
	MaxTokens              int
	Timeout                time.Duration
	MaxConcurrent          int
	MaxRequestsPerMinute   int
	RateLimitRetryAttempts int
	RateLimitBaseDelay     time.Duration
}

// NewClient creates a new LLM client
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "https://api.x.ai/v1/chat/completions"
	}
	if config.Model == "" {
		config.Model = "grok-3"
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.RateLimitRetryAttempts == 0 {
		config.RateLimitRetryAttempts = 5
	}
	if config.RateLimitBaseDelay == 0 {
		config.RateLimitBaseDelay = time.Second
	}

	return &Client{
		endpoint:      config.Endpoint,
		apiKey:        config.APIKey,
		model:         config.Model,
		temperature:   config.Temperature,
		maxTokens:     config.MaxTokens,
		retryAttempts: config.RateLimitRetryAttempts,
		baseDelay:     config.RateLimitBaseDelay,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewLimiter(config.MaxConcurrent, config.MaxRequestsPerMinute),
	}
}

// CompletionRequest describes one chat completion. Either SystemPrompt and
// UserMessage, or a full Messages list for multi-turn tool sessions.
type CompletionRequest struct {
	SystemPrompt string
	UserMessage  string
	Messages     []ChatMessage // takes precedence when non-empty
	Schema       *ResponseFormat
	Tools        []Tool
	Temperature  float64 // 0 means client default
	MaxTokens    int     // 0 means client default
}

// Complete sends a chat completion request. It holds a concurrency token for
// the whole call, waits on the sliding window before each issue, and retries
// only upstream rate limits. Schema enforcement is skipped while tools are
// attached; the follow-up call with tool results carries the schema.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*ChatResponse, error) {
	messages := req.Messages
	if len(messages) == 0 {
		if req.SystemPrompt != "" {
			messages = append(messages, ChatMessage{Role: "system", Content: req.SystemPrompt})
		}
		messages = append(messages, ChatMessage{Role: "user", Content: req.UserMessage})
	}

	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       req.Tools,
	}
	if req.Temperature > 0 {
		request.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Schema != nil && len(req.Tools) == 0 {
		request.ResponseFormat = req.Schema
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt - 1)
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying rate-limited LLM request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if err := c.limiter.WaitTurn(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.doRequest(ctx, requestBody, len(messages))
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("llm request failed after %d rate-limit retries: %w", c.retryAttempts, lastErr)
}

// doRequest issues one HTTP round trip and classifies the outcome
func (c *Client) doRequest(ctx context.Context, body []byte, messageCount int) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().
		Str("endpoint", c.endpoint).
		Str("model", c.model).
		Int("message_count", messageCount).
		Msg("Sending LLM request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: ErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: ErrNetwork, Message: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		if retryAfter > 0 {
			c.limiter.SetCooldown(retryAfter)
		}
		return nil, &APIError{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(respBody),
			RetryAfter: retryAfter,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Kind:       ErrUpstream,
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(respBody),
		}
	}

	if cooldown := parseRateLimitHeaders(resp.Header); cooldown > 0 {
		c.limiter.SetCooldown(cooldown)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &APIError{Kind: ErrUpstream, Message: fmt.Sprintf("unparseable response body: %v", err)}
	}

	log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", duration).
		Msg("LLM request completed")

	return &chatResp, nil
}

// backoff computes base * 2^attempt plus up to one second of jitter, capped
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
	d += time.Duration(rand.Float64() * float64(time.Second))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// CompleteWithSystem is a convenience wrapper returning only the reply text
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserMessage:  userPrompt,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &APIError{Kind: ErrUpstream, Message: "no choices in LLM response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// Limiter exposes the shared limiter for callers that issue their own
// provider-adjacent requests against the same budget
func (c *Client) Limiter() *Limiter {
	return c.limiter
}

// ParseJSONResponse parses LLM reply content into target, tolerating
// markdown code fences around the JSON
func ParseJSONResponse(content string, target interface{}) error {
	content = extractJSONFromMarkdown(content)

	if err := json.Unmarshal([]byte(content), target); err != nil {
		return &APIError{Kind: ErrInvalidOutput, Message: err.Error()}
	}

	return nil
}

// extractJSONFromMarkdown extracts JSON from markdown code blocks
func extractJSONFromMarkdown(content string) string {
	start := -1
	end := -1

	contentBytes := []byte(content)
	if idx := bytes.Index(contentBytes, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(contentBytes, []byte("```")); idx >= 0 {
		start = idx + 3
	}

	if start >= 0 {
		if idx := bytes.Index(contentBytes[start:], []byte("```")); idx >= 0 {
			end = start + idx
			content = content[start:end]
		}
	}

	return string(bytes.TrimSpace([]byte(content)))
}

// parseRetryAfter reads the Retry-After header as either seconds or a date
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseRateLimitHeaders derives a cooldown from standard rate-limit headers
// on a successful response: when the remaining budget hits zero, pause until
// the advertised reset.
func parseRateLimitHeaders(h http.Header) time.Duration {
	remaining := h.Get("X-RateLimit-Remaining")
	if remaining == "" {
		remaining = h.Get("x-ratelimit-remaining-requests")
	}
	if remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil && n > 0 {
			return 0
		}
	} else {
		return 0
	}

	reset := h.Get("X-RateLimit-Reset")
	if reset == "" {
		reset = h.Get("x-ratelimit-reset-requests")
	}
	if reset == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(reset, 64); err == nil && secs > 0 {
		// Some providers send an absolute unix timestamp instead of a delta
		if secs > 1e9 {
			if d := time.Until(time.Unix(int64(secs), 0)); d > 0 {
				return d
			}
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
