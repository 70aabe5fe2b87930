// Package app wires configuration into the collaborators shared by every
// session.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/audio"
	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/config"
	"github.com/lexiqai/meeting-capture/internal/crm"
	"github.com/lexiqai/meeting-capture/internal/engine"
	"github.com/lexiqai/meeting-capture/internal/finalize"
	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/resilience"
	"github.com/lexiqai/meeting-capture/internal/session"
	"github.com/lexiqai/meeting-capture/internal/stt"
)

// AcquirerFor returns the audio source acquirer of a session
type AcquirerFor func(sessionID string) capture.Acquirer

// App holds the long-lived clients built from configuration
type App struct {
	Config  *config.Config
	Broker  *capture.Broker
	Notices *notify.Bus
	Checks  map[string]observability.HealthCheckFunc

	crm         *crm.Client
	analyzer    finalize.Analyzer
	finalizer   *finalize.Finalizer
	transcriber *stt.HTTPTranscriber
	streaming   stt.StreamingFactory
	closers     []func() error

	logger zerolog.Logger
}

// New builds every collaborator the configured engine needs
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Config:  cfg,
		Broker:  capture.NewBroker(time.Duration(cfg.CaptureHandshakeTimeout) * time.Second),
		Notices: notify.NewBus(),
		Checks:  make(map[string]observability.HealthCheckFunc),
		logger:  observability.WithComponent("app"),
	}

	client, err := crm.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("crm client: %w", err)
	}
	a.crm = client
	a.analyzer = client
	a.Checks["crm"] = client.HealthCheck

	if cfg.AnalysisGRPCURL != "" {
		grpcAnalyzer, err := crm.NewGRPCAnalyzer(cfg)
		if err != nil {
			return nil, fmt.Errorf("analysis client: %w", err)
		}
		a.analyzer = grpcAnalyzer
		a.Checks["insights"] = grpcAnalyzer.HealthCheck
		a.closers = append(a.closers, grpcAnalyzer.Close)
	}
	a.finalizer = finalize.New(a.crm, a.analyzer, a.Notices)

	switch cfg.Engine {
	case config.EngineContinuous:
		a.streaming = stt.NewDeepgramFactory(cfg)
		a.Checks["deepgram"] = func(ctx context.Context) (bool, error) {
			// Opening a stream costs money, so only the configuration is checked
			if cfg.DeepgramAPIKey == "" {
				return false, errors.New("DEEPGRAM_API_KEY is not set")
			}
			return true, nil
		}
	default:
		transcriber, err := stt.NewHTTPTranscriber(stt.HTTPConfig{
			Endpoint:      cfg.TranscribeURL,
			APIKey:        cfg.TranscribeAPIKey,
			Model:         cfg.TranscribeModel,
			Language:      cfg.TranscribeLanguage,
			Formats:       cfg.TranscribeFormats,
			Timeout:       cfg.TranscribeTimeoutDuration(),
			MaxConcurrent: cfg.TranscribeMaxConcurrent,
			Retry: &resilience.RetryConfig{
				MaxAttempts:       cfg.TranscribeMaxAttempts,
				InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			},
			CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			CircuitBreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("transcriber: %w", err)
		}
		a.transcriber = transcriber
		a.Checks["transcriber"] = transcriber.HealthCheck
	}

	a.logger.Info().
		Str("engine", cfg.Engine).
		Str("crm_url", cfg.CRMAPIURL).
		Bool("grpc_analysis", cfg.AnalysisGRPCURL != "").
		Msg("Collaborators ready")
	return a, nil
}

// Manager returns a session manager whose sessions acquire audio through acquirerFor
func (a *App) Manager(acquirerFor AcquirerFor) *session.Manager {
	return session.NewManager(session.Dependencies{
		Meetings:     a.crm,
		Finalizer:    a.finalizer,
		Notices:      a.Notices,
		NewEngine:    a.EngineFactory(acquirerFor),
		DrainTimeout: a.Config.DrainTimeoutDuration(),
	}, a.Config.SessionTTLDuration())
}

// EngineFactory builds the configured engine variant for each session
func (a *App) EngineFactory(acquirerFor AcquirerFor) session.EngineFactory {
	cfg := a.Config
	return func(opts engine.Options) (engine.Engine, error) {
		opts.Acquirer = acquirerFor(opts.SessionID)

		if a.streaming != nil {
			return engine.NewContinuousEngine(opts, a.streaming, engine.ContinuousConfig{
				Restart: &resilience.ReconnectConfig{
					MaxAttempts: cfg.RestartMaxAttempts,
					Backoff:     time.Duration(cfg.RestartBackoff) * time.Millisecond,
					Multiplier:  2.0,
					MaxBackoff:  10 * time.Second,
				},
			}), nil
		}

		gate := audio.DefaultGateConfig()
		gate.FFTSize = cfg.GateFFTSize
		gate.Interval = cfg.GateIntervalDuration()
		gate.Threshold = cfg.GateThreshold

		return engine.NewChunkedEngine(opts, a.transcriber, engine.ChunkedConfig{
			Window:     cfg.ChunkWindowDuration(),
			MinBytes:   cfg.ChunkMinBytes,
			SampleRate: cfg.ChunkSampleRate,
			Timeout:    cfg.TranscribeTimeoutDuration(),
			Gate:       gate,
		})
	}
}

// Close releases long-lived connections
func (a *App) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
