package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/stt"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

// Dispatcher sends speech-bearing chunks to the transcriber without waiting
// on earlier ones. Completions land in the transcript buffer by index, so
// the order they finish in never matters. A failed chunk is logged and its
// slot stays empty.
type Dispatcher struct {
	sessionID   string
	transcriber stt.Transcriber
	buffer      *transcript.Buffer
	timeout     time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	inFlight inFlight
}

// NewDispatcher creates a dispatcher. timeout bounds each call; 0 disables it.
func NewDispatcher(opts Options, transcriber stt.Transcriber, timeout time.Duration) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		sessionID:   opts.SessionID,
		transcriber: transcriber,
		buffer:      opts.Buffer,
		timeout:     timeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// Dispatch starts transcribing chunk in the background. In-flight calls
// are independent of the capture source and outlive its teardown.
func (d *Dispatcher) Dispatch(chunk *Chunk) {
	d.inFlight.add()
	d.metrics.RecordTranscriptionStart()

	go func() {
		defer d.inFlight.done()

		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		start := time.Now()
		text, err := d.transcriber.Transcribe(ctx, &stt.ChunkRequest{
			SessionID:     d.sessionID,
			SequenceIndex: chunk.SequenceIndex,
			Payload:       chunk.Payload,
			Format:        chunk.Format,
			ContentType:   chunk.ContentType,
			SampleRate:    chunk.SampleRate,
			CapturedAt:    chunk.CapturedAt,
		})
		latency := time.Since(start)
		d.metrics.RecordTranscriptionEnd(err == nil, latency)

		if err != nil {
			d.metrics.RecordError("transcription_failed", "dispatcher")
			d.logger.Warn().
				Err(err).
				Int("sequence_index", chunk.SequenceIndex).
				Dur("latency", latency).
				Msg("Chunk transcription failed, segment dropped")
			return
		}

		inserted := d.buffer.Insert(transcript.Segment{
			SequenceIndex: chunk.SequenceIndex,
			Text:          strings.TrimSpace(text),
			CapturedAt:    chunk.CapturedAt,
			IsFinal:       true,
		})
		d.logger.Debug().
			Int("sequence_index", chunk.SequenceIndex).
			Bool("inserted", inserted).
			Dur("latency", latency).
			Msg("Chunk transcribed")
	}()
}

// InFlight returns the number of outstanding transcriptions
func (d *Dispatcher) InFlight() int {
	return d.inFlight.count()
}

// Drain waits until every dispatched chunk has completed or ctx is done
func (d *Dispatcher) Drain(ctx context.Context) error {
	return d.inFlight.wait(ctx)
}
