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
	cartesiaBaseURL    = "https://api.cartesia.ai"
	cartesiaAPIVersion = "2024-06-10"
	cartesiaSampleRate = 24000
	providerCartesia   = "cartesia"
)

// CartesiaClient implements Provider using Cartesia's TTS API
type CartesiaClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	sampleRate int // gateway output rate

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	streams    *streamRegistry
	logger     zerolog.Logger
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaRequest represents the request payload for the Cartesia bytes endpoint
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) (*CartesiaClient, error) {
	if cfg.CartesiaAPIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.CartesiaVoiceID == "" {
		return nil, ErrNoVoiceID
	}

	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		baseURL:    cartesiaBaseURL,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		sampleRate: cfg.AudioSampleRate,
		httpClient: &http.Client{},
		breaker: resilience.NewInstrumentedBreaker(
			providerCartesia,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry:   resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
		streams: newStreamRegistry(),
		logger:  observability.GetLogger().With().Str("component", "tts.cartesia").Logger(),
	}, nil
}

// SynthesizeStream streams Cartesia audio resampled to the gateway sample rate
func (c *CartesiaClient) SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn().Str("stream_id", opts.StreamID).Msg("Empty text, skipping synthesis")
		return closedStream(), nil
	}

	voice := opts.VoiceID
	if voice == "" {
		voice = c.voiceID
	}

	jsonData, err := json.Marshal(CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: "en",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := c.streams.open(ctx, opts.StreamID)

	var resp *http.Response
	err = resilience.Retry(streamCtx, func(ctx context.Context) error {
		return c.breaker.CallContext(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", c.apiKey)
			req.Header.Set("Cartesia-Version", cartesiaAPIVersion)

			r, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to make request: %w", err)
			}
			if r.StatusCode != http.StatusOK {
				defer r.Body.Close()
				apiErr := parseAPIError(providerCartesia, r)
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
		observability.RecordError("synthesis", providerCartesia)
		return nil, err
	}

	resampleChunk := func(chunk []byte) ([]byte, error) {
		return audio.ResamplePCM16(chunk, cartesiaSampleRate, c.sampleRate)
	}

	out := make(chan AudioChunk, chunkBuffer)
	go func() {
		defer close(out)
		defer c.streams.done(opts.StreamID)
		defer cancel()
		defer resp.Body.Close()

		delivered := pumpPCM(streamCtx, resp.Body, out, resampleChunk, c.logger)
		c.logger.Debug().
			Str("stream_id", opts.StreamID).
			Int("bytes", delivered).
			Int("sample_rate", c.sampleRate).
			Msg("Synthesis finished")
	}()

	return out, nil
}

// CancelStream stops an in-flight stream
func (c *CartesiaClient) CancelStream(streamID string) {
	if c.streams.cancel(streamID) {
		c.logger.Info().Str("stream_id", streamID).Msg("Cancelled stream")
	}
}

// Close cancels every stream and releases idle connections
func (c *CartesiaClient) Close() error {
	c.streams.cancelAll()
	c.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck reports unhealthy while the Cartesia circuit is open
func (c *CartesiaClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
