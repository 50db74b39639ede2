package config

import (
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("CLAUDE_API_KEY", "test-claude-key")
	t.Setenv("ELEVENLABS_API_KEY", "test-elevenlabs-key")
	t.Setenv("TTS_PROVIDER", "")
	os.Unsetenv("TTS_PROVIDER")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
	if cfg.ClaudeAPIKey != "test-claude-key" {
		t.Errorf("Expected ClaudeAPIKey 'test-claude-key', got '%s'", cfg.ClaudeAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("CLAUDE_API_KEY", "")
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("CLAUDE_API_KEY")

	if _, err := Load(); err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_TTSProviderKeys(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		env      map[string]string
		wantErr  bool
	}{
		{"elevenlabs with key", "elevenlabs", map[string]string{"ELEVENLABS_API_KEY": "k"}, false},
		{"elevenlabs without key", "elevenlabs", map[string]string{"ELEVENLABS_API_KEY": ""}, true},
		{"cartesia with key", "cartesia", map[string]string{"CARTESIA_API_KEY": "k", "ELEVENLABS_API_KEY": ""}, false},
		{"cartesia without key", "cartesia", map[string]string{"CARTESIA_API_KEY": ""}, true},
		{"openai with key", "openai", map[string]string{"OPENAI_API_KEY": "k", "ELEVENLABS_API_KEY": ""}, false},
		{"openai without key", "openai", map[string]string{"OPENAI_API_KEY": ""}, true},
		{"openai speed out of range", "openai", map[string]string{"OPENAI_API_KEY": "k", "OPENAI_TTS_SPEED": "5"}, true},
		{"unknown provider", "polly", map[string]string{"ELEVENLABS_API_KEY": "k"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DEEPGRAM_API_KEY", "dg")
			t.Setenv("CLAUDE_API_KEY", "claude")
			t.Setenv("TTS_PROVIDER", tt.provider)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.GRPCHealthPort != "8081" {
		t.Errorf("Expected default GRPCHealthPort '8081', got '%s'", cfg.GRPCHealthPort)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.DeepgramLanguage != "en-US" {
		t.Errorf("Expected default DeepgramLanguage 'en-US', got '%s'", cfg.DeepgramLanguage)
	}
	if cfg.TTSProvider != TTSProviderElevenLabs {
		t.Errorf("Expected default TTSProvider 'elevenlabs', got '%s'", cfg.TTSProvider)
	}
	if cfg.ElevenLabsVoiceID != "21m00Tcm4TlvDq8ikWAM" {
		t.Errorf("Expected default ElevenLabsVoiceID, got '%s'", cfg.ElevenLabsVoiceID)
	}
	if cfg.ElevenLabsOutputFormat != "pcm_16000" {
		t.Errorf("Expected default ElevenLabsOutputFormat 'pcm_16000', got '%s'", cfg.ElevenLabsOutputFormat)
	}
	if cfg.ClaudeModel != "claude-sonnet-4-5" {
		t.Errorf("Expected default ClaudeModel 'claude-sonnet-4-5', got '%s'", cfg.ClaudeModel)
	}
	if cfg.ClaudeMaxTokens != 1024 {
		t.Errorf("Expected default ClaudeMaxTokens 1024, got %d", cfg.ClaudeMaxTokens)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Errorf("Expected default AudioSampleRate 16000, got %d", cfg.AudioSampleRate)
	}
	if cfg.AudioBufferMs != 500 {
		t.Errorf("Expected default AudioBufferMs 500, got %d", cfg.AudioBufferMs)
	}
	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500.0, got %f", cfg.VADEnergyThreshold)
	}
}

func TestConfig_SessionDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_MAX_IDLE", "120")
	t.Setenv("SESSION_CLEANUP_INTERVAL", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MaxIdle() != 2*time.Minute {
		t.Errorf("Expected MaxIdle 2m, got %v", cfg.MaxIdle())
	}
	if cfg.CleanupInterval() != 15*time.Second {
		t.Errorf("Expected CleanupInterval 15s, got %v", cfg.CleanupInterval())
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	if value := GetEnv("TEST_KEY", "default"); value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}
	if value := GetEnv("NON_EXISTENT_KEY", "default"); value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
