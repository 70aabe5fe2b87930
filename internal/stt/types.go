package stt

import (
	"context"
	"time"
)

// ChunkRequest is one encoded audio chunk to transcribe
type ChunkRequest struct {
	SessionID     string
	SequenceIndex int
	Payload       []byte
	Format        string // wav, mulaw, pcm
	ContentType   string
	SampleRate    int
	CapturedAt    time.Time
}

// Transcriber transcribes whole chunks. Calls may run concurrently and
// complete in any order; no ordering is assumed of the service.
type Transcriber interface {
	Transcribe(ctx context.Context, req *ChunkRequest) (string, error)

	// SupportedFormats lists the payload formats the service accepts
	SupportedFormats() []string
}

// TranscriptionResult represents a streaming recognition hypothesis
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates a final hypothesis (true) or an interim one (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// StreamingClient is a long-lived recognition session. A client is single
// use: once Done is closed a new client must be created to continue.
type StreamingClient interface {
	// Start opens the recognition session
	Start(ctx context.Context) error

	// SendAudio sends little-endian PCM16 audio
	SendAudio(audioData []byte) error

	// GetTranscription returns the channel of hypotheses
	GetTranscription() <-chan *TranscriptionResult

	// Done is closed when the session ends, expectedly or not
	Done() <-chan struct{}

	// Stop finishes the session and flushes pending hypotheses
	Stop() error

	// Close releases the client
	Close() error
}

// StreamingFactory creates a streaming client for a given input sample rate
type StreamingFactory func(sampleRate int) StreamingClient
