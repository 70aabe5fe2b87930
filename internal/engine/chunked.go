package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/meeting-capture/internal/audio"
	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/stt"
)

// ChunkedConfig holds fixed-window capture settings
type ChunkedConfig struct {
	Window     time.Duration
	MinBytes   int
	SampleRate int // rate chunks are encoded at
	Timeout    time.Duration
	Gate       audio.GateConfig
}

// presenceGate is the part of audio.SpeechGate the engine drives
type presenceGate interface {
	Write(samples []int16)
	TakeBoundary() bool
	Run(ctx context.Context)
	Close()
}

// chunkRun is one open source and the loops reading it
type chunkRun struct {
	source capture.Source
	gate   presenceGate
	cancel context.CancelFunc
	done   chan struct{}

	// released closes once teardown and the final window are complete
	released chan struct{}
}

// ChunkedEngine slices the live signal into fixed windows, drops windows
// the speech gate found silent, and dispatches the rest for transcription.
type ChunkedEngine struct {
	opts       Options
	config     ChunkedConfig
	chunker    *Chunker
	dispatcher *Dispatcher

	newGate   func() presenceGate
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu   sync.Mutex
	run  *chunkRun
	prev *chunkRun
}

// NewChunkedEngine creates a chunked engine. The chunk format is the first
// of wav, mulaw, pcm that the transcriber accepts.
func NewChunkedEngine(opts Options, transcriber stt.Transcriber, config ChunkedConfig) (*ChunkedEngine, error) {
	opts.setDefaults()

	encoder, err := audio.SelectEncoder(transcriber.SupportedFormats())
	if err != nil {
		return nil, fmt.Errorf("select chunk encoder: %w", err)
	}
	if config.Window <= 0 {
		config.Window = 15 * time.Second
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	e := &ChunkedEngine{
		opts:       opts,
		config:     config,
		chunker:    NewChunker(encoder, config.SampleRate, config.MinBytes),
		dispatcher: NewDispatcher(opts, transcriber, config.Timeout),
		newGate: func() presenceGate {
			return audio.NewSpeechGate(config.Gate)
		},
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}

	opts.Logger.Debug().
		Str("format", encoder.Format()).
		Dur("window", config.Window).
		Msg("Chunked engine created")
	return e, nil
}

// Start acquires a fresh source and starts the gate and window loops
func (e *ChunkedEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	prev := e.prev
	e.mu.Unlock()

	// The chunker is shared with the previous run's final window
	if prev != nil {
		select {
		case <-prev.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	source, err := e.opts.Acquirer.Acquire(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		source.Close()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &chunkRun{
		source:   source,
		gate:     e.newGate(),
		cancel:   cancel,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
	e.run = run
	e.prev = run
	e.chunker.Reset(source.SampleRate())

	go run.gate.Run(runCtx)
	go func() {
		err := e.loop(runCtx, run)
		close(run.done)
		if err != nil && e.release(run) {
			e.opts.Logger.Warn().Err(err).Str("source", source.ID()).Msg("Capture source lost")
			if e.opts.OnSourceLost != nil {
				e.opts.OnSourceLost(err)
			}
		}
	}()

	e.opts.Logger.Info().
		Str("source", source.ID()).
		Int("sample_rate", source.SampleRate()).
		Int("next_index", e.chunker.Next()).
		Msg("Chunked capture started")
	return nil
}

// loop feeds samples to the gate and chunker and closes a window on every
// tick. It returns an error only when the source was revoked.
func (e *ChunkedEngine) loop(ctx context.Context, run *chunkRun) error {
	ticks, stop := e.newTicker(e.config.Window)
	defer stop()

	samples := run.source.Samples()
	for {
		select {
		case frame, ok := <-samples:
			if !ok {
				if sourceLost(run.source) {
					return capture.ErrSourceRevoked
				}
				return nil
			}
			e.write(run, frame)

		case <-ticks:
			e.drainPending(run)
			e.closeWindow(run.gate.TakeBoundary())

		case <-run.source.Ended():
			return capture.ErrSourceRevoked

		case <-ctx.Done():
			return nil
		}
	}
}

func (e *ChunkedEngine) write(run *chunkRun, frame []int16) {
	run.gate.Write(frame)
	e.chunker.Write(frame)
	e.opts.Metrics.RecordAudioBytes("chunked", int64(len(frame)*2))
}

// drainPending consumes frames that arrived before a boundary
func (e *ChunkedEngine) drainPending(run *chunkRun) {
	samples := run.source.Samples()
	for {
		select {
		case frame, ok := <-samples:
			if !ok {
				return
			}
			e.write(run, frame)
		default:
			return
		}
	}
}

// closeWindow encodes the current window and dispatches it if speech was seen
func (e *ChunkedEngine) closeWindow(hasSpeech bool) {
	chunk, outcome, err := e.chunker.Boundary(hasSpeech, time.Now())
	if outcome == "" {
		return
	}
	e.opts.Metrics.RecordChunk(outcome)

	switch outcome {
	case observability.ChunkDispatched:
		e.dispatcher.Dispatch(chunk)
	case observability.ChunkSilent:
		e.opts.Logger.Debug().Int("sequence_index", chunk.SequenceIndex).Msg("Silent chunk skipped")
	case observability.ChunkEncodeFail:
		e.opts.Logger.Warn().Err(err).Msg("Chunk encoding failed")
	}
}

// release tears down run if it is still current. The caller that clears
// e.run owns the teardown, so it happens exactly once. The other caller
// returns false after the teardown completes.
func (e *ChunkedEngine) release(run *chunkRun) bool {
	e.mu.Lock()
	if e.run != run {
		e.mu.Unlock()
		<-run.released
		return false
	}
	e.run = nil
	// Drain must see the final window before it is dispatched
	e.dispatcher.inFlight.add()
	e.mu.Unlock()
	defer close(run.released)
	defer e.dispatcher.inFlight.done()

	run.cancel()
	<-run.done
	e.drainPending(run)
	run.source.Close()

	// The partial window is flushed as a final chunk
	e.closeWindow(run.gate.TakeBoundary())
	run.gate.Close()
	return true
}

// Stop releases the source and gate and flushes the partial window
func (e *ChunkedEngine) Stop() error {
	e.mu.Lock()
	run, prev := e.run, e.prev
	e.mu.Unlock()
	if run == nil {
		// A revoked source may still be flushing its final window
		if prev != nil {
			<-prev.released
		}
		return nil
	}

	if e.release(run) {
		e.opts.Logger.Info().Int("in_flight", e.InFlight()).Msg("Chunked capture stopped")
	}
	return nil
}

// Pause is not part of the chunked strategy; sessions stop instead
func (e *ChunkedEngine) Pause() error {
	return ErrPauseUnsupported
}

// Resume re-acquires a fresh source. Indices continue where they left off.
func (e *ChunkedEngine) Resume(ctx context.Context) error {
	return e.Start(ctx)
}

// Drain waits for every dispatched chunk to complete
func (e *ChunkedEngine) Drain(ctx context.Context) error {
	return e.dispatcher.Drain(ctx)
}

// InFlight returns the number of outstanding chunk transcriptions
func (e *ChunkedEngine) InFlight() int {
	return e.dispatcher.InFlight()
}

// Interim is always empty: chunks only produce final text
func (e *ChunkedEngine) Interim() string {
	return ""
}

// Running reports whether a source is open
func (e *ChunkedEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}
