package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/stt"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

// fakeAcquirer hands out capture.Streams and remembers them
type fakeAcquirer struct {
	mu         sync.Mutex
	sampleRate int
	err        error
	streams    []*capture.Stream
	stops      []int
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (capture.Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	i := len(a.streams)
	a.stops = append(a.stops, 0)
	s := capture.NewStream(fmt.Sprintf("fake-%d", i), a.sampleRate, func() {
		a.mu.Lock()
		a.stops[i]++
		a.mu.Unlock()
	})
	a.streams = append(a.streams, s)
	return s, nil
}

func (a *fakeAcquirer) stream(i int) *capture.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[i]
}

func (a *fakeAcquirer) stopCount(i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops[i]
}

// fakeTranscriber returns "chunk-<index>" or a scripted error, optionally
// holding each call until its index is released
type fakeTranscriber struct {
	formats []string

	mu       sync.Mutex
	calls    []int
	fail     map[int]error
	gates    map[int]chan struct{}
	finished chan int
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		formats:  []string{"wav"},
		fail:     make(map[int]error),
		gates:    make(map[int]chan struct{}),
		finished: make(chan int, 64),
	}
}

func (f *fakeTranscriber) hold(index int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[index] = ch
	return ch
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *stt.ChunkRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.SequenceIndex)
	gate := f.gates[req.SequenceIndex]
	err := f.fail[req.SequenceIndex]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	defer func() { f.finished <- req.SequenceIndex }()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("chunk-%d", req.SequenceIndex), nil
}

func (f *fakeTranscriber) SupportedFormats() []string {
	return f.formats
}

func (f *fakeTranscriber) callIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	copy(out, f.calls)
	return out
}

// scriptedGate answers TakeBoundary from a script, then false
type scriptedGate struct {
	mu      sync.Mutex
	script  []bool
	written int
	closed  bool
}

func (g *scriptedGate) Write(samples []int16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.written += len(samples)
}

func (g *scriptedGate) TakeBoundary() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.script) == 0 {
		return false
	}
	speech := g.script[0]
	g.script = g.script[1:]
	return speech
}

func (g *scriptedGate) Run(ctx context.Context) {
	<-ctx.Done()
}

func (g *scriptedGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

func (g *scriptedGate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// manualTicker lets a test close windows on demand
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) factory(d time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {}
}

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("engine loop did not accept the window tick")
	}
}

func testOptions(acquirer capture.Acquirer) Options {
	return Options{
		SessionID: "test-session",
		Acquirer:  acquirer,
		Buffer:    transcript.NewBuffer(),
		Logger:    zerolog.Nop(),
	}
}

// tone returns n samples of a loud square wave
func tone(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if (i/8)%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func drain(t *testing.T, e Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}
