package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/telephony"
	"github.com/voxbridge/translate-gateway/internal/translator"
	"github.com/voxbridge/translate-gateway/internal/tts"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("realtime_model", cfg.RealtimeModel).
		Str("source_lang", cfg.SourceLanguage).
		Str("target_lang", cfg.TargetLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Translate Gateway starting")

	// Prompt synthesis is optional; TTS_PROVIDER=none disables it.
	synth, err := tts.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create TTS synthesizer")
	}
	if synth != nil {
		logger.Info().Str("provider", synth.Name()).Msg("Prompt synthesis enabled")
	}

	registry := translator.NewRegistry()
	streams := telephony.NewStreamHandler(cfg, registry, synth)

	mux := http.NewServeMux()

	// Media Streams WebSocket endpoint
	mux.HandleFunc("/ws", streams.HandleWS)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))

	// Readiness probes validate configuration without spending API calls.
	checks := map[string]observability.HealthCheckFunc{
		"translator": func(ctx context.Context) (bool, error) {
			if cfg.OpenAIAPIKey == "" {
				return false, fmt.Errorf("missing OpenAI API key")
			}
			return true, nil
		},
	}
	if synth != nil {
		checks["tts"] = func(ctx context.Context) (bool, error) {
			if synth.SampleRate() <= 0 {
				return false, fmt.Errorf("synthesizer reports invalid sample rate")
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
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

	// Graceful shutdown with timeout; active calls drain via their
	// stop events or the closing sockets.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
