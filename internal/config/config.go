package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the translate gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoint; Twilio connects to wss://<this-host>/ws.
	// Optional; if unset, logs ws://localhost:PORT/ws.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Translation backend (OpenAI Realtime API)
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	RealtimeURL   string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-realtime-preview"`
	Voice         string `envconfig:"OPENAI_VOICE" default:"alloy"`

	// Translation languages
	SourceLanguage string `envconfig:"TRANSLATE_SOURCE_LANG" default:"en"` // Language spoken by the caller
	TargetLanguage string `envconfig:"TRANSLATE_TARGET_LANG" default:"es"` // Language spoken back to the caller

	// Audio processing configuration
	TelephonySampleRate    int    `envconfig:"TELEPHONY_SAMPLE_RATE" default:"8000"`  // Hz, PCMU leg
	BackendSampleRate      int    `envconfig:"BACKEND_SAMPLE_RATE" default:"24000"`   // Hz, PCM16 leg
	FrameDurationMs        int    `envconfig:"FRAME_DURATION_MS" default:"20"`        // Outbound frame duration
	SoxPath                string `envconfig:"SOX_PATH" default:"sox"`                // External resampler binary
	SoxEnabled             bool   `envconfig:"SOX_ENABLED" default:"true"`            // Disable to force linear interpolation
	InboundFlushIntervalMs int    `envconfig:"INBOUND_FLUSH_INTERVAL_MS" default:"0"` // 0 = forward immediately
	VADEnergyThreshold     float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames       int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end

	// TTS configuration (prompt injection)
	TTSProvider      string `envconfig:"TTS_PROVIDER" default:"deepgram"` // deepgram or cartesia
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramTTSModel string `envconfig:"DEEPGRAM_TTS_MODEL" default:"aura-asteria-en"`
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"` // Voice ID for Cartesia
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`         // Model ID (sonic, etc.)
	CartesiaURL      string `envconfig:"CARTESIA_URL" default:"https://api.cartesia.ai"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CB_MAX_FAILURES" default:"5"`      // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CB_RESET_TIMEOUT_S" default:"30"`  // Seconds before attempting recovery
	TTSRetryMaxAttempts        int `envconfig:"TTS_RETRY_MAX_ATTEMPTS" default:"3"`
	TTSRetryBaseDelayMs        int `envconfig:"TTS_RETRY_BASE_DELAY_MS" default:"200"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch c.TTSProvider {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TTS_PROVIDER is deepgram")
		}
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required when TTS_PROVIDER is cartesia")
		}
	case "none":
		// Prompt injection disabled
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q (expected deepgram, cartesia or none)", c.TTSProvider)
	}
	if c.TelephonySampleRate <= 0 || c.BackendSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("FRAME_DURATION_MS must be positive")
	}
	return nil
}

// FrameBytes returns the size in bytes of one outbound PCMU frame.
func (c *Config) FrameBytes() int {
	return c.TelephonySampleRate * c.FrameDurationMs / 1000
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
