package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("SOCKET_ENDPOINT", "ws://transcriber:8765")
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	defer os.Unsetenv("SOCKET_ENDPOINT")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SocketEndpoint != "ws://transcriber:8765" {
		t.Errorf("Expected SocketEndpoint 'ws://transcriber:8765', got '%s'", cfg.SocketEndpoint)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.DefaultBackend != "socket" {
		t.Errorf("Expected default DefaultBackend 'socket', got '%s'", cfg.DefaultBackend)
	}

	if cfg.BackendOpenTimeout != 3000 {
		t.Errorf("Expected default BackendOpenTimeout 3000, got %d", cfg.BackendOpenTimeout)
	}

	if cfg.ChunkSamples != 4096 {
		t.Errorf("Expected default ChunkSamples 4096, got %d", cfg.ChunkSamples)
	}

	if cfg.PipelineSampleRate != 16000 {
		t.Errorf("Expected default PipelineSampleRate 16000, got %d", cfg.PipelineSampleRate)
	}

	if cfg.SegmentDurationMs != 5000 {
		t.Errorf("Expected default SegmentDurationMs 5000, got %d", cfg.SegmentDurationMs)
	}

	if cfg.BatchPollInterval != 1000 {
		t.Errorf("Expected default BatchPollInterval 1000, got %d", cfg.BatchPollInterval)
	}
}

func TestLoad_CaptionDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CaptionMode != "multi" {
		t.Errorf("Expected default CaptionMode 'multi', got '%s'", cfg.CaptionMode)
	}

	if cfg.CaptionMaxLines != 5 {
		t.Errorf("Expected default CaptionMaxLines 5, got %d", cfg.CaptionMaxLines)
	}

	if cfg.CaptionLineLifetime != 5000 {
		t.Errorf("Expected default CaptionLineLifetime 5000, got %d", cfg.CaptionLineLifetime)
	}

	if cfg.CaptionSweepInterval != 100 {
		t.Errorf("Expected default CaptionSweepInterval 100, got %d", cfg.CaptionSweepInterval)
	}

	if cfg.CaptionExitDelay != 300 {
		t.Errorf("Expected default CaptionExitDelay 300, got %d", cfg.CaptionExitDelay)
	}

	if cfg.CaptionFadeDelay != 4000 {
		t.Errorf("Expected default CaptionFadeDelay 4000, got %d", cfg.CaptionFadeDelay)
	}

	if cfg.CaptionCommitInterim {
		t.Error("Expected default CaptionCommitInterim false, got true")
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("DEFAULT_BACKEND", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown DEFAULT_BACKEND")
	}
}

func TestLoad_InvalidCaptionMode(t *testing.T) {
	t.Setenv("CAPTION_MODE", "marquee")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown CAPTION_MODE")
	}
}

func TestLoad_InvalidTranslator(t *testing.T) {
	t.Setenv("TRANSLATOR", "babelfish")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown TRANSLATOR")
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(300); got != 300*time.Millisecond {
		t.Errorf("Expected 300ms, got %v", got)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
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

	if cfg.RetryInitialBackoff != 100 {
		t.Errorf("Expected default RetryInitialBackoff 100, got %d", cfg.RetryInitialBackoff)
	}

	if cfg.RestartBackoff != 250 {
		t.Errorf("Expected default RestartBackoff 250, got %d", cfg.RestartBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	// Clear LOG_LEVEL to ensure we get the default
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
