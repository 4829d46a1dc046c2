// Package agent provides the execution shell every LLM agent flows through:
// message building, completion, schema validation, retries, and status
// reporting. Agents differ only by their Definition.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/llm"
)

// State of one agent execution
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
)

// rateLimitBackoffFactor stretches the outer backoff on rate-limit errors;
// the client has already retried internally, so sustained pressure needs a
// longer pause than a transient failure.
const rateLimitBackoffFactor = 5

// SkipError is returned by BuildUserMessage when the agent has nothing to
// do this execution. The payload is recorded and the run ends as skipped.
type SkipError struct {
	Reason  string
	Payload map[string]interface{}
}

func (e *SkipError) Error() string {
	return "agent skipped: " + e.Reason
}

// ProgressFunc receives state transitions. It must be safe to call from the
// scheduling goroutine.
type ProgressFunc func(agentName string, state State, payload map[string]interface{}, err error)

// Definition describes one agent. Everything but the message builder and
// schema is shared plumbing.
type Definition struct {
	Name         string
	Type         string // bounded set, used as a metric label
	Phase        string
	SystemPrompt string
	Schema       *llm.ResponseFormat
	Temperature  float64
	MaxTokens    int
	Tools        []llm.Tool

	// BuildUserMessage may perform I/O (e.g. fetching posts). Failures are
	// retried like any other attempt failure.
	BuildUserMessage func(ctx context.Context, input map[string]interface{}) (string, error)

	// ExecuteTool dispatches one tool call during a tool round-trip
	ExecuteTool func(ctx context.Context, call llm.ToolCall) (string, error)

	// Fallback substitutes a deterministic payload when the reply does not
	// parse as the schema. Nil means a parse failure fails the attempt.
	Fallback func(content string, input map[string]interface{}) map[string]interface{}
}

// Config holds runner-wide execution settings
type Config struct {
	MaxRetries  int
	Timeout     time.Duration // per attempt
	BackoffBase time.Duration // scales 2^attempt; default one second
	Progress    ProgressFunc
}

// Result of a completed or skipped execution
type Result struct {
	Output     map[string]interface{}
	TokensUsed int
	State      State
	Duration   time.Duration
}

// Runner executes agent definitions against an LLM client
type Runner struct {
	client  llm.Completer
	config  Config
	metrics *runnerMetrics
}

// NewRunner creates a runner. Zero config fields get defaults.
func NewRunner(client llm.Completer, cfg Config) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Runner{
		client:  client,
		config:  cfg,
		metrics: getRunnerMetrics(),
	}
}

// Execute runs one agent to a terminal state. Timeouts, network failures,
// and rate limits are retried with exponential backoff; when every attempt
// fails the returned error names the agent and the last failure.
func (r *Runner) Execute(ctx context.Context, def Definition, input map[string]interface{}) (*Result, error) {
	logger := config.NewAgentLogger(def.Name, def.Type)
	start := time.Now()

	r.report(def.Name, StateRunning, nil, nil)
	logger.Debug().Str("phase", def.Phase).Msg("Agent execution started")

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := r.backoff(attempt-1, lastErr)
			logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying agent execution")
			select {
			case <-ctx.Done():
				return r.fail(def, logger, start, ctx.Err())
			case <-time.After(backoff):
			}
		}

		result, err := r.attempt(ctx, def, input)
		if err == nil {
			result.Duration = time.Since(start)
			r.report(def.Name, result.State, result.Output, nil)
			r.metrics.observe(def.Type, string(result.State), result.Duration, result.TokensUsed)
			logger.Debug().
				Str("state", string(result.State)).
				Dur("duration", result.Duration).
				Int("tokens", result.TokensUsed).
				Msg("Agent execution finished")
			return result, nil
		}

		var skip *SkipError
		if errors.As(err, &skip) {
			result := &Result{
				Output:   skip.Payload,
				State:    StateSkipped,
				Duration: time.Since(start),
			}
			r.report(def.Name, StateSkipped, skip.Payload, nil)
			r.metrics.observe(def.Type, string(StateSkipped), result.Duration, 0)
			logger.Debug().Str("reason", skip.Reason).Msg("Agent skipped")
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return r.fail(def, logger, start, lastErr)
}

func (r *Runner) fail(def Definition, logger zerolog.Logger, start time.Time, cause error) (*Result, error) {
	err := fmt.Errorf("agent %s failed after %d attempts: %w", def.Name, r.config.MaxRetries, cause)
	r.report(def.Name, StateFailed, nil, err)
	r.metrics.observe(def.Type, string(StateFailed), time.Since(start), 0)
	logger.Error().Err(cause).Msg("Agent execution failed")
	return nil, err
}

// attempt runs one bounded try: build message, complete, optional tool
// round-trip, parse.
func (r *Runner) attempt(ctx context.Context, def Definition, input map[string]interface{}) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	userMessage, err := def.BuildUserMessage(attemptCtx, input)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Complete(attemptCtx, llm.CompletionRequest{
		SystemPrompt: def.SystemPrompt,
		UserMessage:  userMessage,
		Schema:       def.Schema,
		Tools:        def.Tools,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	tokens := resp.Usage.TotalTokens
	toolCalls := resp.ToolCalls()

	if len(toolCalls) > 0 && def.ExecuteTool != nil {
		resp, err = r.toolRoundTrip(attemptCtx, def, userMessage, resp)
		if err != nil {
			return nil, err
		}
		tokens += resp.Usage.TotalTokens
	}

	content := resp.Content()
	var output map[string]interface{}
	if err := llm.ParseJSONResponse(content, &output); err != nil {
		if def.Fallback == nil {
			return nil, err
		}
		output = def.Fallback(content, input)
	}
	if len(toolCalls) > 0 && output != nil {
		output["_web_search_metadata"] = map[string]interface{}{
			"tool_calls": len(toolCalls),
		}
	}

	return &Result{
		Output:     output,
		TokensUsed: tokens,
		State:      StateCompleted,
	}, nil
}

// toolRoundTrip dispatches each requested tool and re-invokes the model
// with the results, this time carrying the output schema.
func (r *Runner) toolRoundTrip(ctx context.Context, def Definition, userMessage string, first *llm.ChatResponse) (*llm.ChatResponse, error) {
	messages := []llm.ChatMessage{
		{Role: "system", Content: def.SystemPrompt},
		{Role: "user", Content: userMessage},
		first.Choices[0].Message,
	}

	for _, call := range first.ToolCalls() {
		result, err := def.ExecuteTool(ctx, call)
		if err != nil {
			result = fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		messages = append(messages, llm.ChatMessage{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
		})
	}

	return r.client.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Schema:      def.Schema,
		Temperature: def.Temperature,
		MaxTokens:   def.MaxTokens,
	})
}

// backoff computes base * 2^attempt, stretched for rate-limit errors
func (r *Runner) backoff(attempt int, cause error) time.Duration {
	d := time.Duration(float64(r.config.BackoffBase) * math.Pow(2, float64(attempt)))
	if errors.Is(cause, llm.ErrRateLimited) {
		d *= rateLimitBackoffFactor
	}
	return d
}

func (r *Runner) report(name string, state State, payload map[string]interface{}, err error) {
	if r.config.Progress != nil {
		r.config.Progress(name, state, payload, err)
	}
}
