package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/capture"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/control"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/settings"
	"github.com/lexiqai/caption-gateway/internal/source"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

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
		Str("grpc_port", cfg.GRPCPort).
		Str("default_backend", cfg.DefaultBackend).
		Str("translator", cfg.Translator).
		Str("caption_mode", cfg.CaptionMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Caption Gateway Service starting")

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.SettingsPath).Msg("Failed to open settings")
	}

	// Render surface and caption engine
	overlay := control.NewOverlayHub()
	engine := caption.NewEngine(captionConfig(cfg), overlay, store)
	engine.Start()

	// Host audio feeds
	sources := source.NewHub(48000)

	// Control channel observes the session; gRPC health mirrors its state
	reporter := control.NewHealthReporter()
	ctl := control.NewHub(control.HubOptions{
		Positioner:      engine,
		Settings:        store,
		DefaultBackend:  stt.Kind(cfg.DefaultBackend),
		DefaultLanguage: cfg.DefaultSpeechLang,
	})

	manager := capture.NewManager(capture.Options{
		Sources:    sources,
		Captions:   engine,
		Observer:   control.Fanout{ctl, reporter},
		Backend:    backendOptions(cfg),
		Translate:  translateConfig(cfg),
		Pipeline:   pipelineConfig(cfg),
		NewBackend: backendFactory(cfg),
	})
	ctl.SetController(manager)

	// Create HTTP server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sources/{ref}", sources.HandleFeed())
	mux.HandleFunc("GET /overlay", overlay.HandleOverlay())
	mux.HandleFunc("GET /control", ctl.HandleControl())
	mux.HandleFunc("GET /api/status", ctl.HandleStatus(sources.Sources))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(cfg)))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections outlive any fixed read/write timeout
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)

	// Start servers in goroutines
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("overlay", fmt.Sprintf("ws://localhost:%s/overlay", cfg.Port)).
			Str("control", fmt.Sprintf("ws://localhost:%s/control", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			logger.Fatal().Err(err).Str("grpc_port", cfg.GRPCPort).Msg("Failed to listen for gRPC")
		}
		logger.Info().Str("grpc_port", cfg.GRPCPort).Msg("gRPC health listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	if err := manager.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Capture stop failed")
	}
	engine.Close()
	reporter.Shutdown()
	grpcServer.GracefulStop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
