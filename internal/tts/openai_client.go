package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/audio"
	"github.com/mimirai/voice-gateway/internal/config"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/resilience"
)

const (
	openAIBaseURL    = "https://api.openai.com"
	openAISampleRate = 24000 // response_format=pcm is 24kHz PCM16 mono
	providerOpenAI   = "openai"
)

// OpenAIClient implements Provider using the OpenAI speech endpoint
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	speed      float64
	sampleRate int

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	streams    *streamRegistry
	logger     zerolog.Logger
}

// OpenAIRequest is the body of POST /v1/audio/speech
type OpenAIRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// NewOpenAIClient creates an OpenAI TTS client
func NewOpenAIClient(cfg *config.Config) (*OpenAIClient, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.OpenAITTSVoice == "" {
		return nil, ErrNoVoiceID
	}

	return &OpenAIClient{
		apiKey:     cfg.OpenAIAPIKey,
		baseURL:    openAIBaseURL,
		model:      cfg.OpenAITTSModel,
		voice:      cfg.OpenAITTSVoice,
		speed:      cfg.OpenAITTSSpeed,
		sampleRate: cfg.AudioSampleRate,
		httpClient: &http.Client{},
		breaker: resilience.NewInstrumentedBreaker(
			providerOpenAI,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry:   resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
		streams: newStreamRegistry(),
		logger:  observability.GetLogger().With().Str("component", "tts.openai").Logger(),
	}, nil
}

// SynthesizeStream streams OpenAI speech resampled to the gateway sample rate
func (c *OpenAIClient) SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn().Str("stream_id", opts.StreamID).Msg("Empty text, skipping synthesis")
		return closedStream(), nil
	}

	voice := opts.VoiceID
	if voice == "" {
		voice = c.voice
	}

	body, err := json.Marshal(OpenAIRequest{
		Model:          c.model,
		Input:          text,
		Voice:          voice,
		Speed:          c.speed,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	streamCtx, cancel := c.streams.open(ctx, opts.StreamID)

	var resp *http.Response
	err = resilience.Retry(streamCtx, func(ctx context.Context) error {
		return c.breaker.CallContext(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Content-Type", "application/json")

			r, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("openai request: %w", err)
			}
			if r.StatusCode != http.StatusOK {
				defer r.Body.Close()
				apiErr := parseAPIError(providerOpenAI, r)
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
		c.streams.done(opts.StreamID)
		observability.RecordError("synthesis", providerOpenAI)
		return nil, err
	}

	c.logger.Info().
		Str("stream_id", opts.StreamID).
		Str("voice", voice).
		Int("chars", len(text)).
		Msg("Synthesizing")

	resampleChunk := func(chunk []byte) ([]byte, error) {
		return audio.ResamplePCM16(chunk, openAISampleRate, c.sampleRate)
	}

	out := make(chan AudioChunk, chunkBuffer)
	go func() {
		defer close(out)
		defer c.streams.done(opts.StreamID)
		defer cancel()
		defer resp.Body.Close()

		delivered := pumpPCM(streamCtx, resp.Body, out, resampleChunk, c.logger)
		c.logger.Debug().Str("stream_id", opts.StreamID).Int("bytes", delivered).Msg("Synthesis finished")
	}()

	return out, nil
}

// CancelStream stops an in-flight stream
func (c *OpenAIClient) CancelStream(streamID string) {
	if c.streams.cancel(streamID) {
		c.logger.Info().Str("stream_id", streamID).Msg("Cancelled stream")
	}
}

// Close cancels every stream and releases idle connections
func (c *OpenAIClient) Close() error {
	c.streams.cancelAll()
	c.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck reports unhealthy while the OpenAI circuit is open
func (c *OpenAIClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
