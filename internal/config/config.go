package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the caption gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health endpoint

	// Settings store (user-facing preferences: language, position, endpoint, credentials)
	SettingsPath string `envconfig:"SETTINGS_PATH" default:"settings.yaml"`

	// Backend selection used when neither the start request nor the settings store name one
	DefaultBackend     string `envconfig:"DEFAULT_BACKEND" default:"socket"` // socket, batch, local, deepgram
	DefaultSpeechLang  string `envconfig:"DEFAULT_SPEECH_LANGUAGE" default:"en-US"`
	BackendOpenTimeout int    `envconfig:"BACKEND_OPEN_TIMEOUT" default:"3000"` // milliseconds

	// Streaming socket backend (whisper server speaking the caption socket protocol)
	SocketEndpoint string `envconfig:"SOCKET_ENDPOINT" default:"ws://127.0.0.1:8765"`

	// AssemblyAI batch backend
	AssemblyAIBaseURL  string `envconfig:"ASSEMBLYAI_BASE_URL" default:"https://api.assemblyai.com"`
	AssemblyAIAPIKey   string `envconfig:"ASSEMBLYAI_API_KEY" default:""` // fallback when the settings store has no credential
	BatchPollInterval  int    `envconfig:"BATCH_POLL_INTERVAL" default:"1000"`   // milliseconds
	SegmentDurationMs  int    `envconfig:"SEGMENT_DURATION" default:"5000"`      // milliseconds
	ChunkSamples       int    `envconfig:"CHUNK_SAMPLES" default:"4096"`         // samples per streaming chunk
	PipelineSampleRate int    `envconfig:"PIPELINE_SAMPLE_RATE" default:"16000"` // Hz

	// Deepgram hosted streaming backend
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Local speech engine (whisper.cpp server)
	WhisperServerURL   string  `envconfig:"WHISPER_SERVER_URL" default:"http://127.0.0.1:8081"`
	NoSpeechTimeout    int     `envconfig:"NO_SPEECH_TIMEOUT" default:"8000"`     // milliseconds
	RecognitionMaxRun  int     `envconfig:"RECOGNITION_MAX_RUN" default:"60000"`  // milliseconds
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`      // Frames of silence to mark speech end

	// Translation
	Translator       string `envconfig:"TRANSLATOR" default:"native"` // native, prompted
	TranslateURL     string `envconfig:"TRANSLATE_URL" default:"http://127.0.0.1:5000"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel      string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL" default:""`
	TranslateTimeout int    `envconfig:"TRANSLATE_TIMEOUT" default:"2000"` // milliseconds per call

	// Caption rendering
	CaptionMode          string `envconfig:"CAPTION_MODE" default:"multi"` // multi, single
	CaptionMaxLines      int    `envconfig:"CAPTION_MAX_LINES" default:"5"`
	CaptionLineLifetime  int    `envconfig:"CAPTION_LINE_LIFETIME" default:"5000"` // milliseconds
	CaptionSweepInterval int    `envconfig:"CAPTION_SWEEP_INTERVAL" default:"100"` // milliseconds
	CaptionExitDelay     int    `envconfig:"CAPTION_EXIT_DELAY" default:"300"`     // milliseconds
	CaptionFadeDelay     int    `envconfig:"CAPTION_FADE_DELAY" default:"4000"`    // milliseconds
	CaptionCommitInterim bool   `envconfig:"CAPTION_COMMIT_INTERIM" default:"false"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	RestartBackoff             int `envconfig:"RESTART_BACKOFF" default:"250"`              // Recognition restart backoff in milliseconds

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

// Validate checks enumerated values and ranges
func (c *Config) Validate() error {
	switch c.DefaultBackend {
	case "socket", "batch", "local", "deepgram":
	default:
		return fmt.Errorf("DEFAULT_BACKEND must be one of socket, batch, local, deepgram (got %q)", c.DefaultBackend)
	}
	switch c.CaptionMode {
	case "multi", "single":
	default:
		return fmt.Errorf("CAPTION_MODE must be multi or single (got %q)", c.CaptionMode)
	}
	switch c.Translator {
	case "native", "prompted":
	default:
		return fmt.Errorf("TRANSLATOR must be native or prompted (got %q)", c.Translator)
	}
	if c.CaptionMaxLines <= 0 {
		return fmt.Errorf("CAPTION_MAX_LINES must be positive")
	}
	if c.ChunkSamples <= 0 || c.PipelineSampleRate <= 0 {
		return fmt.Errorf("CHUNK_SAMPLES and PIPELINE_SAMPLE_RATE must be positive")
	}
	if c.BackendOpenTimeout <= 0 {
		return fmt.Errorf("BACKEND_OPEN_TIMEOUT must be positive")
	}
	return nil
}

// Millis converts one of the millisecond settings into a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
