package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mimirai/voice-gateway/internal/config"
	"github.com/mimirai/voice-gateway/internal/gateway"
	"github.com/mimirai/voice-gateway/internal/grpchealth"
	"github.com/mimirai/voice-gateway/internal/llm"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/stt"
	"github.com/mimirai/voice-gateway/internal/tts"
	"github.com/mimirai/voice-gateway/internal/voice"
)

const shutdownTimeout = 30 * time.Second

// ttsBackend is a TTS provider that can report its health
type ttsBackend interface {
	tts.Provider
	HealthCheck(ctx context.Context) (bool, error)
}

func newTTS(cfg *config.Config) (ttsBackend, error) {
	switch cfg.TTSProvider {
	case config.TTSProviderCartesia:
		return tts.NewCartesiaClient(cfg)
	case config.TTSProviderOpenAI:
		return tts.NewOpenAIClient(cfg)
	default:
		return tts.NewElevenLabsClient(cfg)
	}
}

func main() {
	probe := flag.Bool("healthcheck", false, "probe the local gRPC health service and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *probe {
		os.Exit(runProbe(cfg))
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_health_port", cfg.GRPCHealthPort).
		Str("tts_provider", cfg.TTSProvider).
		Str("chat_model", cfg.ClaudeModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway Service starting")

	sttProvider := stt.NewDeepgramProvider(cfg)

	ttsProvider, err := newTTS(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("tts_provider", cfg.TTSProvider).Msg("Failed to create TTS client")
	}

	claude, err := llm.NewClaudeClient(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Claude client")
	}

	manager := voice.NewManager(voice.OptionsFromConfig(cfg))
	manager.StartCleanupTask(cfg.CleanupInterval(), cfg.MaxIdle())

	voiceHandler := gateway.NewHandler(manager, sttProvider, ttsProvider, claude, gateway.Options{
		ReadTimeout: cfg.MaxIdle(),
		SampleRate:  cfg.AudioSampleRate,
	})

	checks := map[string]observability.HealthCheckFunc{
		"deepgram":      sttProvider.HealthCheck,
		cfg.TTSProvider: ttsProvider.HealthCheck,
		"claude":        claude.HealthCheck,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/voice", voiceHandler)
	mux.HandleFunc("/health", observability.HealthCheckHandler(manager.SessionCount))
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No WriteTimeout: WebSocket connections outlive any single response
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	healthServer := grpchealth.NewServer()
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
	}
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Error().Err(err).Msg("gRPC health server failed")
		}
	}()
	healthServer.Monitor(15*time.Second, checks)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/voice", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// NOT_SERVING before the HTTP listener closes
	healthServer.Shutdown(ctx)

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	manager.StopCleanupTask()
	voiceHandler.CloseAll(ctx)
	manager.CloseAllSessions(ctx)

	if err := sttProvider.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing Deepgram provider")
	}
	if err := ttsProvider.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing TTS provider")
	}
	if err := claude.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing Claude client")
	}

	logger.Info().Msg("Server exited gracefully")
}

// runProbe checks the local gRPC health service for container health checks
func runProbe(cfg *config.Config) int {
	client, err := grpchealth.Dial("localhost:" + cfg.GRPCHealthPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serving, err := client.Check(ctx, grpchealth.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	if !serving {
		fmt.Fprintln(os.Stderr, "healthcheck: not serving")
		return 1
	}
	return 0
}
