package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/audio"
	"github.com/mimirai/voice-gateway/internal/config"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/resilience"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	providerElevenLabs = "elevenlabs"
)

// ElevenLabsClient implements Provider with the ElevenLabs streaming endpoint
type ElevenLabsClient struct {
	apiKey          string
	baseURL         string
	voiceID         string
	modelID         string
	outputFormat    string
	streamLatency   int
	stability       float64
	similarityBoost float64

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	streams    *streamRegistry
	logger     zerolog.Logger
}

// NewElevenLabsClient creates an ElevenLabs client from the ELEVENLABS_* settings
func NewElevenLabsClient(cfg *config.Config) (*ElevenLabsClient, error) {
	if cfg.ElevenLabsAPIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.ElevenLabsVoiceID == "" {
		return nil, ErrNoVoiceID
	}

	return &ElevenLabsClient{
		apiKey:          cfg.ElevenLabsAPIKey,
		baseURL:         elevenLabsBaseURL,
		voiceID:         cfg.ElevenLabsVoiceID,
		modelID:         cfg.ElevenLabsModelID,
		outputFormat:    cfg.ElevenLabsOutputFormat,
		streamLatency:   cfg.ElevenLabsStreamLatency,
		stability:       cfg.ElevenLabsStability,
		similarityBoost: cfg.ElevenLabsSimilarityBoost,
		httpClient:      &http.Client{},
		breaker: resilience.NewInstrumentedBreaker(
			providerElevenLabs,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry:   resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
		streams: newStreamRegistry(),
		logger:  observability.GetLogger().With().Str("component", "tts.elevenlabs").Logger(),
	}, nil
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

// SampleRate returns the PCM sample rate implied by the output format, e.g. pcm_16000
func (c *ElevenLabsClient) SampleRate() int {
	if rate, ok := strings.CutPrefix(c.outputFormat, "pcm_"); ok {
		if n, err := strconv.Atoi(rate); err == nil {
			return n
		}
	}
	return audio.DefaultSampleRate
}

func (c *ElevenLabsClient) streamURL(voiceID string) string {
	query := url.Values{}
	query.Set("output_format", c.outputFormat)
	query.Set("optimize_streaming_latency", strconv.Itoa(c.streamLatency))
	return fmt.Sprintf("%s/text-to-speech/%s/stream?%s", c.baseURL, url.PathEscape(voiceID), query.Encode())
}

// SynthesizeStream streams PCM16 audio for text
func (c *ElevenLabsClient) SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn().Str("stream_id", opts.StreamID).Msg("Empty text, skipping synthesis")
		return closedStream(), nil
	}

	voice := opts.VoiceID
	if voice == "" {
		voice = c.voiceID
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       c.stability,
			SimilarityBoost: c.similarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	streamCtx, cancel := c.streams.open(ctx, opts.StreamID)

	var resp *http.Response
	err = resilience.Retry(streamCtx, func(ctx context.Context) error {
		return c.breaker.CallContext(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(voice), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("xi-api-key", c.apiKey)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "audio/pcm")

			r, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("elevenlabs request: %w", err)
			}
			if r.StatusCode != http.StatusOK {
				defer r.Body.Close()
				apiErr := parseAPIError(providerElevenLabs, r)
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
		observability.RecordError("synthesis", providerElevenLabs)
		return nil, err
	}

	c.logger.Info().
		Str("stream_id", opts.StreamID).
		Str("voice_id", voice).
		Int("chars", len(text)).
		Msg("Synthesizing")

	out := make(chan AudioChunk, chunkBuffer)
	go func() {
		defer close(out)
		defer c.streams.done(opts.StreamID)
		defer cancel()
		defer resp.Body.Close()

		delivered := pumpPCM(streamCtx, resp.Body, out, nil, c.logger)
		c.logger.Debug().
			Str("stream_id", opts.StreamID).
			Int("bytes", delivered).
			Bool("cancelled", streamCtx.Err() != nil).
			Msg("Synthesis finished")
	}()

	return out, nil
}

// CancelStream stops an in-flight stream
func (c *ElevenLabsClient) CancelStream(streamID string) {
	if c.streams.cancel(streamID) {
		c.logger.Info().Str("stream_id", streamID).Msg("Cancelled stream")
	}
}

// Close cancels every stream and releases idle connections
func (c *ElevenLabsClient) Close() error {
	c.streams.cancelAll()
	c.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck reports unhealthy while the ElevenLabs circuit is open
func (c *ElevenLabsClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
