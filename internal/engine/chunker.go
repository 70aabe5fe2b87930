package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/meeting-capture/internal/audio"
	"github.com/lexiqai/meeting-capture/internal/observability"
)

// Chunk is one encoded capture window. Transient: dropped after dispatch.
type Chunk struct {
	SequenceIndex int
	Payload       []byte
	Format        string
	ContentType   string
	SampleRate    int
	HasSpeechHint bool
	CapturedAt    time.Time
}

// Chunker accumulates samples for the current window and encodes them at
// each boundary. It owns the session's sequence counter, which survives
// source changes so resumed capture appends after earlier chunks.
type Chunker struct {
	encoder    audio.Encoder
	sampleRate int
	minBytes   int

	mu        sync.Mutex
	inputRate int
	samples   []int16
	next      int
}

// NewChunker creates a chunker encoding at sampleRate
func NewChunker(encoder audio.Encoder, sampleRate, minBytes int) *Chunker {
	return &Chunker{
		encoder:    encoder,
		sampleRate: sampleRate,
		minBytes:   minBytes,
	}
}

// Reset discards any pending samples and sets the rate of the next source
func (c *Chunker) Reset(inputRate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputRate = inputRate
	c.samples = c.samples[:0]
}

// Write appends live samples to the current window
func (c *Chunker) Write(samples []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, samples...)
}

// Pending returns the number of samples in the current window
func (c *Chunker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Next returns the index the next accepted chunk will receive
func (c *Chunker) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Boundary closes the current window. It returns the chunk (nil when the
// window was dropped) and the outcome for metrics. Windows that are empty,
// fail to encode, or encode below the minimum size never consume an index.
// Silent windows do consume one, so indices mirror capture time.
func (c *Chunker) Boundary(hasSpeech bool, at time.Time) (*Chunk, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) == 0 {
		return nil, "", nil
	}

	samples := audio.Resample(c.samples, c.inputRate, c.sampleRate)
	c.samples = c.samples[:0]
	if len(samples) == 0 {
		return nil, observability.ChunkTooSmall, nil
	}

	payload, err := c.encoder.Encode(samples, c.sampleRate)
	if err != nil {
		return nil, observability.ChunkEncodeFail, fmt.Errorf("encode %s chunk: %w", c.encoder.Format(), err)
	}
	if len(payload) < c.minBytes {
		return nil, observability.ChunkTooSmall, nil
	}

	chunk := &Chunk{
		SequenceIndex: c.next,
		Payload:       payload,
		Format:        c.encoder.Format(),
		ContentType:   c.encoder.ContentType(),
		SampleRate:    c.sampleRate,
		HasSpeechHint: hasSpeech,
		CapturedAt:    at,
	}
	c.next++

	if !hasSpeech {
		return chunk, observability.ChunkSilent, nil
	}
	return chunk, observability.ChunkDispatched, nil
}
