package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/pipeline"
	"github.com/lexiqai/caption-gateway/internal/resilience"
	"github.com/lexiqai/caption-gateway/internal/stt"
	"github.com/lexiqai/caption-gateway/internal/translate"
)

func captionConfig(cfg *config.Config) caption.Config {
	return caption.Config{
		Mode:          caption.Mode(cfg.CaptionMode),
		MaxLines:      cfg.CaptionMaxLines,
		LineLifetime:  config.Millis(cfg.CaptionLineLifetime),
		SweepInterval: config.Millis(cfg.CaptionSweepInterval),
		ExitDelay:     config.Millis(cfg.CaptionExitDelay),
		FadeDelay:     config.Millis(cfg.CaptionFadeDelay),
		CommitInterim: cfg.CaptionCommitInterim,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		SampleRate:      cfg.PipelineSampleRate,
		ChunkSize:       cfg.ChunkSamples,
		SegmentDuration: config.Millis(cfg.SegmentDurationMs),
	}
}

// backendOptions holds what every session shares; endpoint, credential and
// language are filled per start.
func backendOptions(cfg *config.Config) stt.Options {
	return stt.Options{
		SampleRate:    cfg.PipelineSampleRate,
		OpenTimeout:   config.Millis(cfg.BackendOpenTimeout),
		PollInterval:  config.Millis(cfg.BatchPollInterval),
		DeepgramModel: cfg.DeepgramModel,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Restart: &resilience.SuperviseConfig{
			Backoff:    config.Millis(cfg.RestartBackoff),
			Multiplier: 2,
			MaxBackoff: 10 * time.Second,
		},
		Recognizer: stt.NewWhisperRecognizer(stt.WhisperConfig{
			ServerURL: cfg.WhisperServerURL,
			VAD: &audio.VADConfig{
				EnergyThreshold: cfg.VADEnergyThreshold,
				SilenceFrames:   cfg.VADSilenceFrames,
				FrameSize:       320, // 20ms at 16kHz
			},
			NoSpeechTimeout: config.Millis(cfg.NoSpeechTimeout),
			MaxRun:          config.Millis(cfg.RecognitionMaxRun),
		}),
	}
}

// backendFactory fills per-variant endpoint and credential defaults the
// start request and settings store left blank.
func backendFactory(cfg *config.Config) func(stt.Kind, stt.Options) (stt.Backend, error) {
	return func(kind stt.Kind, opts stt.Options) (stt.Backend, error) {
		switch kind {
		case stt.KindSocket:
			if opts.Endpoint == "" {
				opts.Endpoint = cfg.SocketEndpoint
			}
		case stt.KindBatch:
			if opts.Endpoint == "" {
				opts.Endpoint = cfg.AssemblyAIBaseURL
			}
			if opts.Credential == "" {
				opts.Credential = cfg.AssemblyAIAPIKey
			}
		case stt.KindDeepgram:
			if opts.Credential == "" {
				opts.Credential = cfg.DeepgramAPIKey
			}
		}
		return stt.NewBackend(kind, opts)
	}
}

func translateConfig(cfg *config.Config) translate.Config {
	return translate.Config{
		Variant:       cfg.Translator,
		NativeURL:     cfg.TranslateURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		Timeout:       config.Millis(cfg.TranslateTimeout),
		Breaker: resilience.NewCircuitBreaker("translate",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
	}
}

// readinessChecks probes the HTTP dependencies of the default setup
func readinessChecks(cfg *config.Config) map[string]observability.HealthCheckFunc {
	client := &http.Client{Timeout: 2 * time.Second}
	checks := map[string]observability.HealthCheckFunc{}

	switch stt.Kind(cfg.DefaultBackend) {
	case stt.KindSocket:
		checks["socket"] = observability.HTTPCheck(client, httpURL(cfg.SocketEndpoint))
	case stt.KindLocal:
		checks["whisper"] = observability.HTTPCheck(client, cfg.WhisperServerURL)
	}
	if cfg.Translator == "native" && cfg.TranslateURL != "" {
		checks["translate"] = observability.HTTPCheck(client, strings.TrimRight(cfg.TranslateURL, "/")+"/languages")
	}
	return checks
}

// httpURL maps a WebSocket URL onto the HTTP URL of the same server
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
