package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/config"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/resilience"
)

const (
	claudeBaseURL    = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	deltaBuffer      = 32
)

// ClaudeClient streams completions from the Anthropic Messages API
type ClaudeClient struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	timeout   time.Duration

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewClaudeClient creates a Claude client from the CLAUDE_* settings
func NewClaudeClient(cfg *config.Config) (*ClaudeClient, error) {
	if cfg.ClaudeAPIKey == "" {
		return nil, ErrNoAPIKey
	}

	return &ClaudeClient{
		apiKey:     cfg.ClaudeAPIKey,
		baseURL:    claudeBaseURL,
		model:      cfg.ClaudeModel,
		maxTokens:  cfg.ClaudeMaxTokens,
		timeout:    time.Duration(cfg.ClaudeTimeout) * time.Second,
		httpClient: &http.Client{},
		breaker: resilience.NewInstrumentedBreaker(
			"claude",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry:  resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
		logger: observability.GetLogger().With().Str("component", "claude").Logger(),
	}, nil
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type contentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type messageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream starts a streamed completion. The returned channel is closed after
// the final Delta or when ctx is done.
func (c *ClaudeClient) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  req.Messages,
		Stream:    true,
	}
	if payload.Model == "" {
		payload.Model = c.model
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = c.maxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal claude request: %w", err)
	}

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	var resp *http.Response
	err = resilience.Retry(streamCtx, func(ctx context.Context) error {
		return c.breaker.CallContext(ctx, func(ctx context.Context) error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Accept", "text/event-stream")
			httpReq.Header.Set("x-api-key", c.apiKey)
			httpReq.Header.Set("anthropic-version", anthropicVersion)

			r, err := c.httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("claude request: %w", err)
			}
			if r.StatusCode != http.StatusOK {
				defer r.Body.Close()
				apiErr := parseAPIError(r)
				if apiErr.IsRetryable() {
					return resilience.NewRetryableError(apiErr)
				}
				return apiErr
			}
			resp = r
			return nil
		})
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		cancel()
		observability.RecordError("request", "claude")
		return nil, err
	}

	out := make(chan Delta, deltaBuffer)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		c.consume(streamCtx, resp.Body, out)
	}()

	return out, nil
}

// consume parses the SSE stream into deltas
func (c *ClaudeClient) consume(ctx context.Context, body io.Reader, out chan<- Delta) {
	send := func(d Delta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	var event, stopReason string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch event {
		case "content_block_delta":
			var delta contentBlockDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				c.logger.Warn().Err(err).Msg("Malformed content_block_delta")
				continue
			}
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
				if !send(Delta{Text: delta.Delta.Text}) {
					return
				}
			}
		case "message_delta":
			var delta messageDelta
			if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Delta.StopReason != "" {
				stopReason = delta.Delta.StopReason
			}
		case "message_stop":
			if stopReason == "" {
				stopReason = "end_turn"
			}
			send(Delta{StopReason: stopReason})
			return
		case "error":
			var eb errorBody
			apiErr := &APIError{StatusCode: http.StatusOK, Message: data}
			if json.Unmarshal([]byte(data), &eb) == nil && eb.Error.Message != "" {
				apiErr.Type = eb.Error.Type
				apiErr.Message = eb.Error.Message
			}
			observability.RecordError("stream", "claude")
			send(Delta{Err: apiErr})
			return
		}
	}

	if ctx.Err() != nil {
		send(Delta{Err: ctx.Err()})
		return
	}
	if err := scanner.Err(); err != nil {
		send(Delta{Err: fmt.Errorf("read claude stream: %w", err)})
		return
	}
	send(Delta{Err: io.ErrUnexpectedEOF})
}

func parseAPIError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
		apiErr.Type = eb.Error.Type
		apiErr.Message = eb.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// HealthCheck reports unhealthy while the Claude circuit is open
func (c *ClaudeClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Close releases idle connections
func (c *ClaudeClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
