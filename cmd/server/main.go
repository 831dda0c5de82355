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

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/captioner"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/ingest"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/orchestrator"
	"github.com/lexiqai/caption-gateway/internal/output"
	"github.com/lexiqai/caption-gateway/internal/resilience"
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

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	settings, err := cfg.CaptionerSettings()
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.CaptionSettingsFile).Msg("Failed to load caption settings")
	}

	hostFormat := audio.Format{
		SampleRate: cfg.HostSampleRate,
		Channels:   cfg.HostChannels,
		Encoding:   audio.Encoding(cfg.HostEncoding),
	}
	if err := hostFormat.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid host audio format")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("recognizer_backend", cfg.RecognizerBackend).
		Str("host_format", hostFormat.String()).
		Str("caption_source", settings.Source.Name).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Caption Gateway Service starting")

	ctx := context.Background()
	checks := map[string]observability.HealthCheckFunc{}

	// Caption fan-out: the overlay hub always, Redis and NATS when configured
	hub := output.NewHub()
	publishers := output.Fanout{hub}

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	var redisSink *output.RedisSink
	if cfg.RedisURL != "" {
		redisSink, err = output.NewRedisSink(ctx, cfg.RedisURL, cfg.RedisChannel, reconnect, retry)
		if err != nil {
			logger.Error().Err(err).Msg("Redis unavailable, continuing without Redis fan-out")
		} else {
			publishers = append(publishers, redisSink)
			checks["redis"] = redisSink.Check
		}
	}

	var natsSink *output.NatsSink
	if cfg.NatsURL != "" {
		natsSink, err = output.NewNatsSink(ctx, cfg.NatsURL, cfg.NatsSubject, reconnect)
		if err != nil {
			logger.Error().Err(err).Msg("NATS unavailable, continuing without NATS fan-out")
		} else {
			publishers = append(publishers, natsSink)
			checks["nats"] = natsSink.Check
		}
	}

	// Recognizer
	breaker := resilience.NewCircuitBreaker(
		"recognizer",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	dialer, recognizerCheck, closeDialer, err := newDialer(cfg, breaker)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create recognizer dialer")
	}
	checks["recognizer"] = recognizerCheck

	registry := ingest.NewRegistry(hostFormat)
	capt := captioner.New(captioner.Config{
		Host: registry,
		NewClients: func(stream config.StreamSettings) orchestrator.ClientFactory {
			return orchestrator.StreamClientFactory(dialer, stream)
		},
		Publisher:    publishers,
		TextSink:     output.TextSinkFor(publishers),
		AudioDumpDir: cfg.AudioDumpDir,
	}, settings)

	a := newAPI(capt, registry, hub.ClientCount, cfg.CaptionSettingsFile)
	registry.OnSourceAdded(a.sourceAdded)

	mux := http.NewServeMux()
	mux.Handle("/ingest", ingest.NewHandler(registry, capt.HandleOutputEvent, publishers))
	mux.Handle("/captions/ws", hub)
	mux.HandleFunc("/settings", a.handleSettings)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Websocket handlers set their own deadlines after the upgrade
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("ingest", fmt.Sprintf("ws://localhost:%s/ingest", cfg.Port)).
			Str("captions", fmt.Sprintf("ws://localhost:%s/captions/ws", cfg.Port)).
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Outputs stop before the sinks they write to
	capt.Close()
	hub.Close()
	if natsSink != nil {
		natsSink.Close()
	}
	if redisSink != nil {
		if err := redisSink.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed closing Redis client")
		}
	}
	if err := closeDialer(); err != nil {
		logger.Warn().Err(err).Msg("Failed closing recognizer connection")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newDialer creates the recognizer transport selected by the config
func newDialer(cfg *config.Config, breaker *resilience.CircuitBreaker) (stt.Dialer, observability.HealthCheckFunc, func() error, error) {
	switch cfg.RecognizerBackend {
	case config.BackendDeepgram:
		d, err := stt.NewDeepgramDialer(stt.DeepgramOptions{
			APIKey:  cfg.DeepgramAPIKey,
			Model:   cfg.DeepgramModel,
			Breaker: breaker,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		// dialing costs API usage, so readiness only reflects the breaker
		check := func(ctx context.Context) (bool, error) {
			if state := breaker.GetState(); state == resilience.StateOpen {
				return false, fmt.Errorf("recognizer circuit %s", state)
			}
			return true, nil
		}
		return d, check, func() error { return nil }, nil
	default:
		d, err := stt.NewGRPCDialer(stt.GRPCOptions{
			Target:     cfg.RecognizerURL,
			TLSEnabled: cfg.RecognizerTLSEnabled,
			Breaker:    breaker,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return d, d.Check, d.Close, nil
	}
}
