package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/meeting-capture/internal/audio"
	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/resilience"
	"github.com/lexiqai/meeting-capture/internal/stt"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

const defaultFlushTimeout = 5 * time.Second

// ContinuousConfig holds streaming recognizer settings
type ContinuousConfig struct {
	Restart      *resilience.ReconnectConfig
	FlushTimeout time.Duration // how long Stop waits for trailing finals
}

// streamRun is one open source and the recognizer session attached to it
type streamRun struct {
	source   capture.Source
	cancel   context.CancelFunc
	done     chan struct{}
	released chan struct{}

	mu     sync.Mutex
	client stt.StreamingClient
}

func (r *streamRun) recognizer() stt.StreamingClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *streamRun) swap(client stt.StreamingClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = client
}

// ContinuousEngine streams the live signal to one long-lived recognizer.
// Final hypotheses become segments, interim ones are exposed by Interim.
// A recognizer that ends on its own while capturing is restarted a bounded
// number of times; once restarts are exhausted the loss is reported like a
// revoked source.
type ContinuousEngine struct {
	opts    Options
	config  ContinuousConfig
	factory stt.StreamingFactory

	mu      sync.Mutex
	run     *streamRun
	prev    *streamRun
	next    int
	interim string

	flushing inFlight
}

// NewContinuousEngine creates a continuous-recognition engine
func NewContinuousEngine(opts Options, factory stt.StreamingFactory, config ContinuousConfig) *ContinuousEngine {
	opts.setDefaults()
	if config.Restart == nil {
		config.Restart = resilience.DefaultReconnectConfig()
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaultFlushTimeout
	}
	return &ContinuousEngine{
		opts:    opts,
		config:  config,
		factory: factory,
	}
}

// Start acquires a fresh source and opens a recognizer session for it
func (e *ContinuousEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	// Trailing finals of the previous recognizer take their indices first
	if err := e.flushing.wait(ctx); err != nil {
		return err
	}

	source, err := e.opts.Acquirer.Acquire(ctx)
	if err != nil {
		return err
	}

	client := e.factory(source.SampleRate())
	if err := client.Start(ctx); err != nil {
		client.Close()
		source.Close()
		return fmt.Errorf("%w: start recognizer: %v", capture.ErrDeviceError, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		client.Close()
		source.Close()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &streamRun{
		source:   source,
		client:   client,
		cancel:   cancel,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	e.run = run
	e.prev = run

	go func() {
		err := e.loop(runCtx, run)
		close(run.done)
		if err != nil && e.release(run) {
			e.opts.Logger.Warn().Err(err).Str("source", source.ID()).Msg("Continuous capture lost")
			if e.opts.OnSourceLost != nil {
				e.opts.OnSourceLost(err)
			}
		}
	}()

	e.opts.Logger.Info().
		Str("source", source.ID()).
		Int("sample_rate", source.SampleRate()).
		Msg("Continuous capture started")
	return nil
}

// loop forwards audio and collects hypotheses until ctx is done, the
// source is revoked or the recognizer cannot be restarted
func (e *ContinuousEngine) loop(ctx context.Context, run *streamRun) error {
	samples := run.source.Samples()
	for {
		client := run.recognizer()

		select {
		case frame, ok := <-samples:
			if !ok {
				if sourceLost(run.source) {
					return capture.ErrSourceRevoked
				}
				return nil
			}
			e.opts.Metrics.RecordAudioBytes("continuous", int64(len(frame)*2))
			if err := client.SendAudio(audio.SamplesToBytes(frame)); err != nil {
				e.opts.Logger.Debug().Err(err).Msg("Recognizer rejected audio")
			}

		case result := <-client.GetTranscription():
			e.handleResult(result, true)

		case <-client.Done():
			if ctx.Err() != nil {
				return nil
			}
			e.collect(client, true)
			client.Close()
			if err := e.restart(ctx, run); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case <-run.source.Ended():
			return capture.ErrSourceRevoked

		case <-ctx.Done():
			return nil
		}
	}
}

// restart opens a replacement recognizer with bounded, backed-off attempts
func (e *ContinuousEngine) restart(ctx context.Context, run *streamRun) error {
	e.opts.Logger.Warn().Msg("Recognizer ended unexpectedly, restarting")

	err := resilience.Reconnect(ctx, "recognizer", func(ctx context.Context) error {
		client := e.factory(run.source.SampleRate())
		if err := client.Start(ctx); err != nil {
			client.Close()
			return err
		}
		run.swap(client)
		return nil
	}, e.config.Restart)
	if err != nil {
		e.opts.Metrics.RecordError("recognizer_restart_exhausted", "continuous")
		if errors.Is(err, resilience.ErrReconnectExhausted) {
			return fmt.Errorf("%w: %v", ErrRecognizerLost, err)
		}
		return err
	}
	return nil
}

// collect drains hypotheses already delivered by a finished recognizer
func (e *ContinuousEngine) collect(client stt.StreamingClient, live bool) {
	for {
		select {
		case result := <-client.GetTranscription():
			e.handleResult(result, live)
		default:
			return
		}
	}
}

// handleResult records a hypothesis. Only the live recognizer may touch
// the interim text; a flushing one contributes finals alone.
func (e *ContinuousEngine) handleResult(result *stt.TranscriptionResult, live bool) {
	if result == nil {
		return
	}
	text := strings.TrimSpace(result.Text)

	e.mu.Lock()
	if !result.IsFinal {
		if live {
			e.interim = text
		}
		e.mu.Unlock()
		return
	}
	if live {
		e.interim = ""
	}
	if text == "" {
		e.mu.Unlock()
		return
	}
	index := e.next
	e.next++
	e.mu.Unlock()

	e.opts.Buffer.Insert(transcript.Segment{
		SequenceIndex: index,
		Text:          text,
		CapturedAt:    time.Now(),
		IsFinal:       true,
	})
}

// release tears down run if it is still current. The recognizer is asked to
// finish and its trailing finals are collected in the background, counted
// as in-flight work so Drain waits for them. A caller that loses the race
// returns false once the winner is done.
func (e *ContinuousEngine) release(run *streamRun) bool {
	e.mu.Lock()
	if e.run != run {
		e.mu.Unlock()
		<-run.released
		return false
	}
	e.run = nil
	e.interim = ""
	e.flushing.add()
	e.mu.Unlock()
	defer close(run.released)

	run.cancel()
	<-run.done
	run.source.Close()

	client := run.recognizer()
	go func() {
		defer e.flushing.done()
		defer client.Close()

		timer := time.NewTimer(e.config.FlushTimeout)
		defer timer.Stop()
		for {
			select {
			case result := <-client.GetTranscription():
				e.handleResult(result, false)
			case <-client.Done():
				e.collect(client, false)
				return
			case <-timer.C:
				e.opts.Logger.Warn().Msg("Recognizer did not finish in time, trailing text may be missing")
				return
			}
		}
	}()
	if err := client.Stop(); err != nil {
		e.opts.Logger.Warn().Err(err).Msg("Failed to stop recognizer")
	}
	return true
}

// Stop releases the source and finishes the recognizer session
func (e *ContinuousEngine) Stop() error {
	e.mu.Lock()
	run, prev := e.run, e.prev
	e.mu.Unlock()
	if run == nil {
		if prev != nil {
			<-prev.released
		}
		return nil
	}

	if e.release(run) {
		e.opts.Logger.Info().Msg("Continuous capture stopped")
	}
	return nil
}

// Pause releases the source like Stop; Resume opens a fresh one
func (e *ContinuousEngine) Pause() error {
	return e.Stop()
}

// Resume re-acquires a fresh source and recognizer
func (e *ContinuousEngine) Resume(ctx context.Context) error {
	return e.Start(ctx)
}

// Drain waits for trailing finals of stopped recognizers
func (e *ContinuousEngine) Drain(ctx context.Context) error {
	return e.flushing.wait(ctx)
}

// InFlight returns the number of recognizers still flushing
func (e *ContinuousEngine) InFlight() int {
	return e.flushing.count()
}

// Interim returns the latest non-final hypothesis
func (e *ContinuousEngine) Interim() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interim
}

// Running reports whether a source is open
func (e *ContinuousEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}
