package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported transcription providers
const (
	ProviderOpenAI   = "openai"
	ProviderDeepgram = "deepgram"
)

// Config holds all configuration for the transcription pipeline service
type Config struct {
	// Server configuration
	Port            string `envconfig:"PORT" default:"8080"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds

	// Transcription provider configuration
	TranscriptionProvider string `envconfig:"TRANSCRIPTION_PROVIDER" default:"openai"` // openai, deepgram
	TranscriptionLanguage string `envconfig:"TRANSCRIPTION_LANGUAGE" default:"en"`     // Fixed language hint
	TranscriptionTimeout  int    `envconfig:"TRANSCRIPTION_TIMEOUT" default:"60"`      // seconds per request

	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"whisper-1"`

	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Meeting audio source (bot bridge) configuration
	AudioSourceURL         string `envconfig:"AUDIO_SOURCE_URL" default:"ws://localhost:9000"`
	AudioSourceToken       string `envconfig:"AUDIO_SOURCE_TOKEN"`
	AudioSourceJoinTimeout int    `envconfig:"AUDIO_SOURCE_JOIN_TIMEOUT" default:"30"` // seconds

	// Audio windowing configuration
	SampleRate          int     `envconfig:"SAMPLE_RATE" default:"16000"`
	WindowSeconds       float64 `envconfig:"WINDOW_SECONDS" default:"10"`
	OverlapSeconds      float64 `envconfig:"OVERLAP_SECONDS" default:"2"`
	WindowQueueSize     int     `envconfig:"WINDOW_QUEUE_SIZE" default:"16"`
	SilenceRMSThreshold float64 `envconfig:"SILENCE_RMS_THRESHOLD" default:"0"` // 0 disables silence skip

	// Transcription retry and deduplication
	MaxTranscriptionRetries int     `envconfig:"MAX_TRANSCRIPTION_RETRIES" default:"3"`
	RetryInitialBackoff     int     `envconfig:"RETRY_INITIAL_BACKOFF" default:"1000"` // milliseconds
	DedupeToleranceSeconds  float64 `envconfig:"DEDUPE_TOLERANCE_SECONDS" default:"0.1"`

	// Persistence
	DatabasePath string `envconfig:"DATABASE_PATH" default:"transcripts.db"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Dial attempts for the audio source
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Dial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Expose Prometheus metrics
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

	cfg.TranscriptionProvider = strings.ToLower(strings.TrimSpace(cfg.TranscriptionProvider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider credentials and the audio windowing parameters
func (c *Config) Validate() error {
	switch c.TranscriptionProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when TRANSCRIPTION_PROVIDER=openai")
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TRANSCRIPTION_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unsupported TRANSCRIPTION_PROVIDER %q (want openai or deepgram)", c.TranscriptionProvider)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.WindowSeconds <= c.OverlapSeconds {
		return fmt.Errorf("WINDOW_SECONDS (%.2f) must exceed OVERLAP_SECONDS (%.2f)", c.WindowSeconds, c.OverlapSeconds)
	}
	if c.OverlapSeconds < 0 {
		return fmt.Errorf("OVERLAP_SECONDS must not be negative, got %.2f", c.OverlapSeconds)
	}
	if c.MaxTranscriptionRetries < 1 {
		return fmt.Errorf("MAX_TRANSCRIPTION_RETRIES must be at least 1, got %d", c.MaxTranscriptionRetries)
	}
	if c.WindowQueueSize < 1 {
		return fmt.Errorf("WINDOW_QUEUE_SIZE must be at least 1, got %d", c.WindowQueueSize)
	}
	if c.DedupeToleranceSeconds < 0 {
		return fmt.Errorf("DEDUPE_TOLERANCE_SECONDS must not be negative, got %.3f", c.DedupeToleranceSeconds)
	}
	if c.AudioSourceURL == "" {
		return fmt.Errorf("AUDIO_SOURCE_URL is required")
	}

	return nil
}

// TranscriptionTimeoutDuration returns the per-request provider timeout
func (c *Config) TranscriptionTimeoutDuration() time.Duration {
	return time.Duration(c.TranscriptionTimeout) * time.Second
}

// RetryInitialBackoffDuration returns the base of the transcription backoff
func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// JoinTimeoutDuration returns how long a session waits for the source to confirm a join
func (c *Config) JoinTimeoutDuration() time.Duration {
	return time.Duration(c.AudioSourceJoinTimeout) * time.Second
}

// CircuitBreakerResetDuration returns the open-state cool-down
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// ReconnectBackoffDuration returns the initial dial backoff
func (c *Config) ReconnectBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}

// ShutdownTimeoutDuration returns the graceful shutdown budget
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
