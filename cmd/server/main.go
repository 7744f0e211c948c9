package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/transcription-pipeline/internal/api"
	"github.com/lexiqai/transcription-pipeline/internal/audio"
	"github.com/lexiqai/transcription-pipeline/internal/config"
	"github.com/lexiqai/transcription-pipeline/internal/observability"
	"github.com/lexiqai/transcription-pipeline/internal/pipeline"
	"github.com/lexiqai/transcription-pipeline/internal/resilience"
	"github.com/lexiqai/transcription-pipeline/internal/source"
	"github.com/lexiqai/transcription-pipeline/internal/storage"
	"github.com/lexiqai/transcription-pipeline/internal/stt"
	"github.com/lexiqai/transcription-pipeline/internal/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("provider", cfg.TranscriptionProvider).
		Str("audio_source", cfg.AudioSourceURL).
		Str("database", cfg.DatabasePath).
		Float64("window_seconds", cfg.WindowSeconds).
		Float64("overlap_seconds", cfg.OverlapSeconds).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcription pipeline starting")

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open transcript database")
	}
	defer store.Close()

	breaker := resilience.NewCircuitBreaker(cfg.TranscriptionProvider, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	transcriber := stt.NewBreakerTranscriber(newTranscriber(cfg), breaker)

	sourceLogger := logger.With().Str("component", "audio_source").Logger()
	connector := source.NewWebSocketConnector(source.WebSocketConfig{
		URL:         cfg.AudioSourceURL,
		Token:       cfg.AudioSourceToken,
		JoinTimeout: cfg.JoinTimeoutDuration(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.ReconnectBackoffDuration(),
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}, sourceLogger)

	registry := pipeline.NewRegistry(pipeline.Dependencies{
		Transcriber: transcriber,
		Connector:   connector,
		Store:       store,
	}, sessionDefaults(cfg), logger.With().Str("component", "pipeline").Logger())

	mux := http.NewServeMux()
	api.NewHandler(registry, store, logger.With().Str("component", "api").Logger()).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	storageCheck := func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	transcriberCheck := func(ctx context.Context) (bool, error) {
		// No API call here; only the breaker state is inspected
		if stats := transcriber.Stats(); stats.State == resilience.StateOpen {
			return false, fmt.Errorf("circuit open for %s after %d of %d requests failed",
				transcriber.Name(), stats.Failures, stats.Requests)
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"storage":     storageCheck,
		"transcriber": transcriberCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Start needs time for the source dial and join handshake
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.JoinTimeoutDuration() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Drain every session so no window is left mid-flight
	if err := registry.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Not all sessions drained before shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newTranscriber(cfg *config.Config) stt.Transcriber {
	switch cfg.TranscriptionProvider {
	case config.ProviderDeepgram:
		return stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey: cfg.DeepgramAPIKey,
			Model:  cfg.DeepgramModel,
		})
	default:
		return stt.NewOpenAIClient(stt.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.TranscriptionTimeoutDuration(),
		})
	}
}

func sessionDefaults(cfg *config.Config) pipeline.SessionConfig {
	return pipeline.SessionConfig{
		Buffer: audio.BufferConfig{
			SampleRate:     cfg.SampleRate,
			WindowSeconds:  cfg.WindowSeconds,
			OverlapSeconds: cfg.OverlapSeconds,
		},
		Submitter: transcribe.SubmitterConfig{
			MaxAttempts: cfg.MaxTranscriptionRetries,
			BaseBackoff: cfg.RetryInitialBackoffDuration(),
			Language:    cfg.TranscriptionLanguage,
			Timeout:     cfg.TranscriptionTimeoutDuration(),
		},
		DedupeTolerance:  cfg.DedupeToleranceSeconds,
		QueueSize:        cfg.WindowQueueSize,
		SilenceThreshold: cfg.SilenceRMSThreshold,
	}
}
