// Package engine turns a live capture source into transcript segments.
// Two strategies share the Engine interface: fixed-window chunks sent to a
// transcription service, and a continuous streaming recognizer.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

var (
	// ErrPauseUnsupported is returned by engines without a paused mode
	ErrPauseUnsupported = errors.New("engine does not support pause")

	// ErrAlreadyRunning is returned when Start is called on a running engine
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrRecognizerLost is reported when a streaming recognizer keeps
	// ending and every restart attempt failed
	ErrRecognizerLost = errors.New("speech recognizer ended and could not be restarted")
)

// Engine is a live transcription strategy driven by the session state machine
type Engine interface {
	// Start acquires a fresh source and begins producing segments.
	// Acquisition errors are returned unchanged.
	Start(ctx context.Context) error

	// Pause releases the source, keeping the engine resumable
	Pause() error

	// Resume re-acquires a fresh source after Pause or Stop
	Resume(ctx context.Context) error

	// Stop synchronously releases the source and the gate. Work already in
	// flight keeps running and still contributes its segments.
	Stop() error

	// Drain waits for in-flight work to finish
	Drain(ctx context.Context) error

	// InFlight returns the number of outstanding transcriptions
	InFlight() int

	// Interim returns the current non-final hypothesis, if any
	Interim() string

	// Running reports whether a source is currently open
	Running() bool
}

// Options are shared by every engine
type Options struct {
	SessionID string
	Acquirer  capture.Acquirer
	Buffer    *transcript.Buffer
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	// OnSourceLost is called once the engine has torn itself down after the
	// source ended outside our control
	OnSourceLost func(err error)
}

func (o *Options) setDefaults() {
	if o.Buffer == nil {
		o.Buffer = transcript.NewBuffer()
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewSessionMetrics(o.SessionID)
	}
}

// inFlight counts outstanding work and lets callers wait for it to reach zero
type inFlight struct {
	n       atomic.Int64
	mu      sync.Mutex
	waiters []chan struct{}
}

func (f *inFlight) add() {
	f.n.Add(1)
}

func (f *inFlight) done() {
	if f.n.Add(-1) > 0 {
		return
	}
	f.mu.Lock()
	for _, w := range f.waiters {
		close(w)
	}
	f.waiters = nil
	f.mu.Unlock()
}

func (f *inFlight) count() int {
	return int(f.n.Load())
}

func (f *inFlight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n.Load() == 0 {
		f.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sourceLost reports whether a closed sample channel means revocation
func sourceLost(src capture.Source) bool {
	select {
	case <-src.Ended():
		return true
	default:
		return false
	}
}
