package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/config"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
	closeHandler func()
}

// Message overrides the default handler to send transcriptions to our channel
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close signals that the remote session has ended
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
	}
	return nil
}

// DeepgramOptions configures one Deepgram streaming session
type DeepgramOptions struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
}

// DeepgramClient implements StreamingClient using Deepgram's streaming API
type DeepgramClient struct {
	options        DeepgramOptions
	client         *listenClient.WSCallback
	transcript     chan *TranscriptionResult
	done           chan struct{}
	doneOnce       sync.Once
	mu             sync.RWMutex
	isActive       bool
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramFactory returns a factory that creates Deepgram clients sharing
// one circuit breaker
func NewDeepgramFactory(cfg *config.Config) StreamingFactory {
	breaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	}

	return func(sampleRate int) StreamingClient {
		return NewDeepgramClient(DeepgramOptions{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DeepgramLanguage,
			SampleRate: sampleRate,
		}, breaker)
	}
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(options DeepgramOptions, breaker *resilience.CircuitBreaker) *DeepgramClient {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &DeepgramClient{
		options:        options,
		transcript:     make(chan *TranscriptionResult, 100),
		done:           make(chan struct{}),
		circuitBreaker: breaker,
		logger:         observability.WithComponent("deepgram"),
	}
}

// Start opens the Deepgram streaming transcription session
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.options.Model,
		Language:       d.options.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.options.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().
				Str("type", errorResponse.Type).
				Str("description", errorResponse.Description).
				Msg("Deepgram error")

			d.circuitBreaker.RecordResult(false)
			observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
			d.markDone()
			return nil
		},
		closeHandler: d.markDone,
	}

	err := d.circuitBreaker.Call(func() error {
		// The connection lives until Stop or Close, not until ctx ends
		clientCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		client, err := listenClient.NewWSUsingCallback(
			clientCtx,
			d.options.APIKey,
			nil,
			tOptions,
			callback,
		)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			cancel()
			return fmt.Errorf("failed to connect to Deepgram")
		}
		d.client = client
		d.cancel = cancel
		return nil
	})
	if err != nil {
		return err
	}

	d.isActive = true
	d.logger.Info().
		Str("model", d.options.Model).
		Str("language", d.options.Language).
		Int("sample_rate", d.options.SampleRate).
		Msg("Deepgram streaming client started")
	return nil
}

// handleDeepgramMessage processes messages from Deepgram
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			lastWord := alt.Words[len(alt.Words)-1]
			duration = lastWord.End - startTime
		}

		result := &TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		}

		select {
		case d.transcript <- result:
		default:
			d.logger.Warn().Bool("is_final", result.IsFinal).Msg("Transcript channel full, dropping hypothesis")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message ignored")
	}
}

func (d *DeepgramClient) markDone() {
	d.doneOnce.Do(func() {
		d.mu.Lock()
		d.isActive = false
		d.mu.Unlock()
		close(d.done)
	})
}

// SendAudio sends little-endian PCM16 audio to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.RLock()
	active := d.isActive
	client := d.client
	d.mu.RUnlock()

	if !active || client == nil {
		return fmt.Errorf("deepgram client is not active")
	}

	if _, err := client.Write(audioData); err != nil {
		d.circuitBreaker.RecordResult(false)
		observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		d.markDone()
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// GetTranscription returns a channel that receives transcription results
func (d *DeepgramClient) GetTranscription() <-chan *TranscriptionResult {
	return d.transcript
}

// Done is closed when the Deepgram session ends
func (d *DeepgramClient) Done() <-chan struct{} {
	return d.done
}

// Stop finishes the Deepgram session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	active := d.isActive
	client := d.client
	d.mu.Unlock()

	if !active || client == nil {
		return nil
	}

	// Finish flushes pending finals before the socket closes
	client.Finish()
	d.markDone()
	d.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close stops the session and cancels the client context
func (d *DeepgramClient) Close() error {
	err := d.Stop()
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.markDone()
	return err
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
