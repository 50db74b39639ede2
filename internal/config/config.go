package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported TTS providers
const (
	TTSProviderElevenLabs = "elevenlabs"
	TTSProviderCartesia   = "cartesia"
	TTSProviderOpenAI     = "openai"
)

// Config holds all configuration for the voice gateway service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"8081"`

	// Deepgram STT API configuration
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage       string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	DeepgramUtteranceEndMs int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1000"` // Silence before UtteranceEnd

	// TTS provider selection: elevenlabs, cartesia or openai
	TTSProvider string `envconfig:"TTS_PROVIDER" default:"elevenlabs"`

	// ElevenLabs TTS API configuration
	ElevenLabsAPIKey          string  `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID         string  `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"` // Rachel
	ElevenLabsModelID         string  `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2"`
	ElevenLabsOutputFormat    string  `envconfig:"ELEVENLABS_OUTPUT_FORMAT" default:"pcm_16000"`
	ElevenLabsStreamLatency   int     `envconfig:"ELEVENLABS_STREAMING_LATENCY" default:"4"` // 0-4
	ElevenLabsStability       float64 `envconfig:"ELEVENLABS_STABILITY" default:"0.5"`
	ElevenLabsSimilarityBoost float64 `envconfig:"ELEVENLABS_SIMILARITY_BOOST" default:"0.75"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// OpenAI TTS API configuration
	OpenAIAPIKey   string  `envconfig:"OPENAI_API_KEY"`
	OpenAITTSModel string  `envconfig:"OPENAI_TTS_MODEL" default:"tts-1"` // tts-1 or tts-1-hd
	OpenAITTSVoice string  `envconfig:"OPENAI_TTS_VOICE" default:"alloy"`
	OpenAITTSSpeed float64 `envconfig:"OPENAI_TTS_SPEED" default:"1.0"` // 0.25-4.0

	// Claude tutoring LLM
	ClaudeAPIKey    string `envconfig:"CLAUDE_API_KEY" required:"true"`
	ClaudeModel     string `envconfig:"CHAT_MODEL" default:"claude-sonnet-4-5"`
	ClaudeMaxTokens int    `envconfig:"CLAUDE_MAX_TOKENS" default:"1024"`
	ClaudeTimeout   int    `envconfig:"CLAUDE_TIMEOUT" default:"60"` // seconds

	// Audio configuration (client audio is PCM16 mono)
	AudioSampleRate    int     `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioBufferMs      int     `envconfig:"AUDIO_BUFFER_MS" default:"500"`
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Session lifecycle
	SessionMaxIdle         int `envconfig:"SESSION_MAX_IDLE" default:"300"`        // seconds
	SessionCleanupInterval int `envconfig:"SESSION_CLEANUP_INTERVAL" default:"60"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.ClaudeAPIKey == "" {
		return fmt.Errorf("CLAUDE_API_KEY is required")
	}

	switch c.TTSProvider {
	case TTSProviderElevenLabs:
		if c.ElevenLabsAPIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_PROVIDER=%s", c.TTSProvider)
		}
	case TTSProviderCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required when TTS_PROVIDER=%s", c.TTSProvider)
		}
	case TTSProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when TTS_PROVIDER=%s", c.TTSProvider)
		}
		if c.OpenAITTSSpeed < 0.25 || c.OpenAITTSSpeed > 4.0 {
			return fmt.Errorf("OPENAI_TTS_SPEED must be between 0.25 and 4.0")
		}
	default:
		return fmt.Errorf("unsupported TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}

	return nil
}

// MaxIdle returns the session idle threshold
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.SessionMaxIdle) * time.Second
}

// CleanupInterval returns how often the session sweep runs
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.SessionCleanupInterval) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
