// Package capture acquires live audio sources for capture sessions.
package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied means the operator declined to share a source
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrNoAudioTrack means a source was shared without any audio track
	ErrNoAudioTrack = errors.New("capture source has no audio track")

	// ErrDeviceError covers every other failure to open a source
	ErrDeviceError = errors.New("capture device error")

	// ErrSourceRevoked is reported when a source ends outside our control
	ErrSourceRevoked = errors.New("capture source revoked")
)

// Source is one live audio signal. Exactly one is open per session.
type Source interface {
	// ID identifies the source in logs
	ID() string

	// SampleRate of the samples delivered on Samples
	SampleRate() int

	// Samples delivers mono PCM16 frames. Closed once the source is closed.
	Samples() <-chan []int16

	// Ended is closed when the source is revoked externally (the operator
	// stops sharing, the device disappears). It never fires for Close.
	Ended() <-chan struct{}

	// Close stops every track. Safe to call repeatedly.
	Close() error
}

// Acquirer opens a fresh Source. Acquire blocks until the operator grants
// access and must return promptly once ctx is cancelled.
type Acquirer interface {
	Acquire(ctx context.Context) (Source, error)
}

// AcquirerFunc adapts a function to the Acquirer interface
type AcquirerFunc func(ctx context.Context) (Source, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (Source, error) {
	return f(ctx)
}

// Stream is the Source implementation shared by every capture backend.
// Backends push frames into it and call Revoke when the signal is lost.
type Stream struct {
	id         string
	sampleRate int
	stopTracks func()

	mu      sync.Mutex
	closed  bool
	samples chan []int16
	ended   chan struct{}
	dropped int
}

// NewStream creates an open stream. stopTracks runs exactly once, on the
// first Close or Revoke.
func NewStream(id string, sampleRate int, stopTracks func()) *Stream {
	return &Stream{
		id:         id,
		sampleRate: sampleRate,
		stopTracks: stopTracks,
		samples:    make(chan []int16, 256),
		ended:      make(chan struct{}),
	}
}

func (s *Stream) ID() string              { return s.id }
func (s *Stream) SampleRate() int         { return s.sampleRate }
func (s *Stream) Samples() <-chan []int16 { return s.samples }
func (s *Stream) Ended() <-chan struct{}  { return s.ended }

// Push delivers a frame without blocking. It returns false when the
// stream is closed or the consumer is too slow and the frame was dropped.
func (s *Stream) Push(frame []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.samples <- frame:
		return true
	default:
		s.dropped++
		return false
	}
}

// Revoke signals an external end of the source and tears it down.
// It is a no-op once the stream was closed by its owner.
func (s *Stream) Revoke() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	close(s.ended)
	s.mu.Unlock()

	s.Close()
}

// Close stops all tracks and closes the sample channel
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.samples)
	s.mu.Unlock()

	if s.stopTracks != nil {
		s.stopTracks()
	}
	return nil
}

// Open reports whether the stream still has live tracks
func (s *Stream) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Dropped returns the number of frames dropped because the consumer lagged
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
