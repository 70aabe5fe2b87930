package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/crm"
	"github.com/lexiqai/meeting-capture/internal/engine"
	"github.com/lexiqai/meeting-capture/internal/finalize"
	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/stt"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

// fakeEngine records lifecycle calls and lets tests write segments
type fakeEngine struct {
	opts engine.Options

	mu       sync.Mutex
	startErr error
	pauseErr error
	drainErr error
	running  bool
	starts   int
	resumes  int
	stops    int
	drains   int
	next     int
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.resumes++
	e.mu.Unlock()
	return e.Start(ctx)
}

func (e *fakeEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseErr != nil {
		return e.pauseErr
	}
	e.running = false
	return nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.running = false
	return nil
}

func (e *fakeEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drains++
	return e.drainErr
}

func (e *fakeEngine) InFlight() int   { return 0 }
func (e *fakeEngine) Interim() string { return "" }

func (e *fakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) emit(text string) {
	e.mu.Lock()
	index := e.next
	e.next++
	e.mu.Unlock()
	e.opts.Buffer.Insert(transcript.Segment{SequenceIndex: index, Text: text, IsFinal: true})
}

// loseSource simulates the engine reporting an external revocation
func (e *fakeEngine) loseSource(err error) {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.opts.OnSourceLost(err)
}

type fakeMeetings struct {
	mu     sync.Mutex
	err    error
	fields []crm.MeetingFields
}

func (m *fakeMeetings) CreateMeeting(ctx context.Context, fields crm.MeetingFields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.fields = append(m.fields, fields)
	return fmt.Sprintf("meeting-%d", len(m.fields)), nil
}

type fakeStore struct {
	mu        sync.Mutex
	err       error
	persisted map[string]string
}

func (s *fakeStore) PersistTranscript(ctx context.Context, meetingID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.persisted == nil {
		s.persisted = make(map[string]string)
	}
	s.persisted[meetingID] = text
	return nil
}

type fakeAnalyzer struct {
	err error
}

func (a *fakeAnalyzer) TriggerAnalysis(ctx context.Context, meetingID, text string) error {
	return a.err
}

type harness struct {
	meetings *fakeMeetings
	store    *fakeStore
	analyzer *fakeAnalyzer
	engine   *fakeEngine
	deps     Dependencies
}

func newHarness() *harness {
	h := &harness{
		meetings: &fakeMeetings{},
		store:    &fakeStore{},
		analyzer: &fakeAnalyzer{},
		engine:   &fakeEngine{},
	}
	h.deps = Dependencies{
		Meetings:  h.meetings,
		Finalizer: finalize.New(h.store, h.analyzer, nil),
		NewEngine: func(opts engine.Options) (engine.Engine, error) {
			h.engine.opts = opts
			return h.engine, nil
		},
		DrainTimeout: time.Second,
	}
	return h
}

func (h *harness) session(t *testing.T, setup Setup) *Session {
	t.Helper()
	s, err := New("s1", setup, h.deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetup_RequiresClientWithoutMeeting(t *testing.T) {
	h := newHarness()
	if _, err := New("s1", Setup{Title: "Kickoff"}, h.deps); !errors.Is(err, ErrInvalidSetup) {
		t.Errorf("Expected ErrInvalidSetup, got %v", err)
	}
	if _, err := New("s2", Setup{MeetingID: "m1"}, h.deps); err != nil {
		t.Errorf("Expected existing meeting to be accepted, got %v", err)
	}
}

func TestSession_StartCreatesMeetingLazily(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{ClientID: "c1", DealID: "d1"})

	if snap := s.Snapshot(); snap.State != StateIdle || snap.MeetingID != "" {
		t.Fatalf("Expected idle session without meeting, got %+v", snap)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateCapturing {
		t.Errorf("Expected capturing, got %s", snap.State)
	}
	if snap.MeetingID != "meeting-1" {
		t.Errorf("Expected meeting-1, got %q", snap.MeetingID)
	}
	if len(h.meetings.fields) != 1 {
		t.Fatalf("Expected one meeting created, got %d", len(h.meetings.fields))
	}
	fields := h.meetings.fields[0]
	if fields.ClientID != "c1" || fields.DealID != "d1" || !strings.HasPrefix(fields.Title, "Live Meeting") {
		t.Errorf("Unexpected meeting fields %+v", fields)
	}

	// Stop and start again must reuse the meeting
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if len(h.meetings.fields) != 1 {
		t.Errorf("Expected meeting to be created once, got %d", len(h.meetings.fields))
	}
	if h.engine.resumes != 1 {
		t.Errorf("Expected second start to resume the engine, got %d resumes", h.engine.resumes)
	}
}

func TestSession_MeetingCreationFailureStaysIdle(t *testing.T) {
	h := newHarness()
	h.meetings.err = errors.New("503 from crm")
	s := h.session(t, Setup{ClientID: "c1"})

	err := s.Start(context.Background())
	if !errors.Is(err, ErrMeetingCreation) {
		t.Fatalf("Expected ErrMeetingCreation, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.StatusMessage != msgMeetingFailed {
		t.Errorf("Expected %q, got %q", msgMeetingFailed, snap.StatusMessage)
	}
	if h.engine.starts != 0 {
		t.Error("Expected no source acquisition without a meeting")
	}
}

func TestSession_NoAudioTrackStaysIdleWithGuidance(t *testing.T) {
	h := newHarness()
	transcriber := &countingTranscriber{}
	h.deps.NewEngine = func(opts engine.Options) (engine.Engine, error) {
		opts.Acquirer = capture.AcquirerFunc(func(ctx context.Context) (capture.Source, error) {
			return nil, capture.ErrNoAudioTrack
		})
		return engine.NewChunkedEngine(opts, transcriber, engine.ChunkedConfig{})
	}
	s := h.session(t, Setup{MeetingID: "m1"})

	err := s.Start(context.Background())
	if !errors.Is(err, capture.ErrNoAudioTrack) {
		t.Fatalf("Expected ErrNoAudioTrack, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.StatusMessage != msgNoAudio {
		t.Errorf("Expected share-audio guidance, got %q", snap.StatusMessage)
	}
	if snap.SegmentCount != 0 || transcriber.count() != 0 {
		t.Errorf("Expected no chunks, got %d segments and %d calls", snap.SegmentCount, transcriber.count())
	}
}

func TestSession_PermissionDeniedStaysIdle(t *testing.T) {
	h := newHarness()
	h.engine.startErr = capture.ErrPermissionDenied
	s := h.session(t, Setup{MeetingID: "m1"})

	if err := s.Start(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if snap := s.Snapshot(); snap.State != StateIdle || snap.StatusMessage != msgPermission {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestSession_EndFinalizesToDone(t *testing.T) {
	h := newHarness()
	bus := notify.NewBus()
	notices, cancel := bus.Subscribe(16)
	defer cancel()
	h.deps.Notices = bus

	s := h.session(t, Setup{ClientID: "c1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.engine.emit("hello")
	h.engine.emit("world")

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateDone {
		t.Errorf("Expected done, got %s", snap.State)
	}
	if snap.StatusMessage != finalize.MsgDone {
		t.Errorf("Expected %q, got %q", finalize.MsgDone, snap.StatusMessage)
	}
	if h.store.persisted["meeting-1"] != "hello world" {
		t.Errorf("Unexpected persisted transcript %q", h.store.persisted["meeting-1"])
	}
	if h.engine.stops == 0 || h.engine.drains != 1 {
		t.Errorf("Expected stop then drain, got %d stops %d drains", h.engine.stops, h.engine.drains)
	}

	var sawEnding bool
	for len(notices) > 0 {
		if n := <-notices; n.Message == finalize.MsgSaving {
			sawEnding = true
		}
	}
	if !sawEnding {
		t.Error("Expected a notice for the ending transition")
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected done to be terminal, got %v", err)
	}
}

func TestSession_PersistFailureEndsInError(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("crm unavailable")
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.engine.emit("keep me")

	var persistErr *finalize.PersistError
	if err := s.End(context.Background()); !errors.As(err, &persistErr) {
		t.Fatalf("Expected PersistError, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateError {
		t.Errorf("Expected error, got %s", snap.State)
	}
	if snap.StatusMessage != finalize.MsgPersistFailed {
		t.Errorf("Expected %q, got %q", finalize.MsgPersistFailed, snap.StatusMessage)
	}
	if snap.Transcript != "keep me" {
		t.Errorf("Expected transcript to survive for manual copy, got %q", snap.Transcript)
	}

	for _, action := range []func() error{
		func() error { return s.Start(context.Background()) },
		func() error { return s.Resume(context.Background()) },
		s.Stop,
		s.Pause,
		func() error { return s.End(context.Background()) },
	} {
		if err := action(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected error state to be terminal, got %v", err)
		}
	}
}

func TestSession_AnalysisFailureEndsInError(t *testing.T) {
	h := newHarness()
	h.analyzer.err = errors.New("analysis down")
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var analysisErr *finalize.AnalysisError
	if err := s.End(context.Background()); !errors.As(err, &analysisErr) {
		t.Fatalf("Expected AnalysisError, got %v", err)
	}
	if snap := s.Snapshot(); snap.State != StateError || snap.StatusMessage != finalize.MsgAnalysisFailed {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if _, ok := h.store.persisted["m1"]; !ok {
		t.Error("Expected transcript persisted before analysis failed")
	}
}

func TestSession_EndWithoutMeeting(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{ClientID: "c1"})

	if err := s.End(context.Background()); !errors.Is(err, ErrNoMeeting) {
		t.Fatalf("Expected ErrNoMeeting, got %v", err)
	}
	if snap := s.Snapshot(); snap.State != StateIdle || snap.StatusMessage != msgNothingToFinish {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestSession_EndFinalizesDespiteDrainTimeout(t *testing.T) {
	h := newHarness()
	h.engine.drainErr = context.DeadlineExceeded
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.engine.emit("partial")

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if h.store.persisted["m1"] != "partial" {
		t.Errorf("Expected what was transcribed to be persisted, got %q", h.store.persisted["m1"])
	}
}

func TestSession_SourceLostReturnsToIdle(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.engine.emit("before")

	h.engine.loseSource(capture.ErrSourceRevoked)

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("Expected idle after revocation, got %s", snap.State)
	}
	if snap.StatusMessage != msgSourceRevoked {
		t.Errorf("Expected revocation guidance, got %q", snap.StatusMessage)
	}

	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	h.engine.emit("after")
	if got := s.Transcript(); got != "before after" {
		t.Errorf("Expected segments to continue after resume, got %q", got)
	}
}

func TestSession_SourceLostIgnoredOutsideCapture(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{MeetingID: "m1"})

	h.engine.opts.OnSourceLost(capture.ErrSourceRevoked)

	if snap := s.Snapshot(); snap.State != StateIdle || snap.StatusMessage != msgReady {
		t.Errorf("Expected untouched idle session, got %+v", snap)
	}
}

func TestSession_PauseUnsupportedKeepsCapturing(t *testing.T) {
	h := newHarness()
	h.engine.pauseErr = engine.ErrPauseUnsupported
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.Pause(); !errors.Is(err, engine.ErrPauseUnsupported) {
		t.Fatalf("Expected ErrPauseUnsupported, got %v", err)
	}
	if s.State() != StateCapturing {
		t.Errorf("Expected capturing, got %s", s.State())
	}
}

func TestSession_PauseResumeAndEndFromPaused(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{MeetingID: "m1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s.State() != StatePaused {
		t.Fatalf("Expected paused, got %s", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected start from paused to be rejected, got %v", err)
	}
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s.State() != StateCapturing {
		t.Fatalf("Expected capturing, got %s", s.State())
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End from paused failed: %v", err)
	}
	if s.State() != StateDone {
		t.Errorf("Expected done, got %s", s.State())
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{MeetingID: "m1"})

	if err := s.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected stop from idle to be rejected, got %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected pause from idle to be rejected, got %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err := s.Start(context.Background())
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) || transitionErr.From != StateCapturing {
		t.Errorf("Expected TransitionError from capturing, got %v", err)
	}
}

func TestSession_EndCancelsPendingAcquisition(t *testing.T) {
	h := newHarness()
	acquiring := make(chan struct{})
	h.deps.NewEngine = func(opts engine.Options) (engine.Engine, error) {
		opts.Acquirer = capture.AcquirerFunc(func(ctx context.Context) (capture.Source, error) {
			close(acquiring)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return engine.NewChunkedEngine(opts, &countingTranscriber{}, engine.ChunkedConfig{})
	}
	s := h.session(t, Setup{MeetingID: "m1"})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-acquiring

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := <-started; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancelled acquisition, got %v", err)
	}
	if s.State() != StateDone {
		t.Errorf("Expected done, got %s", s.State())
	}
}

func TestSession_PendingEndTurnsAwayStart(t *testing.T) {
	h := newHarness()
	s := h.session(t, Setup{ClientID: "c1"})

	// An End that is already waiting must not be blocked by a new acquisition
	s.requestEnd()
	if err := s.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy while an end is pending, got %v", err)
	}
	if h.engine.starts != 0 || len(h.meetings.fields) != 0 {
		t.Errorf("Expected no meeting or acquisition, got %d starts %d meetings", h.engine.starts, len(h.meetings.fields))
	}

	if err := s.End(context.Background()); !errors.Is(err, ErrNoMeeting) {
		t.Fatalf("Expected ErrNoMeeting, got %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Expected Start to work once the end completed, got %v", err)
	}
	if s.State() != StateCapturing {
		t.Errorf("Expected capturing, got %s", s.State())
	}
}

func TestSession_CloseCancelsPendingAcquisition(t *testing.T) {
	h := newHarness()
	acquiring := make(chan struct{})
	h.deps.NewEngine = func(opts engine.Options) (engine.Engine, error) {
		opts.Acquirer = capture.AcquirerFunc(func(ctx context.Context) (capture.Source, error) {
			close(acquiring)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return engine.NewChunkedEngine(opts, &countingTranscriber{}, engine.ChunkedConfig{})
	}
	s := h.session(t, Setup{MeetingID: "m1"})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-acquiring

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-started:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancelled acquisition, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Close to cancel the pending acquisition")
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := map[int]string{0: "00:00", 59: "00:59", 61: "01:01", 3600: "60:00", -5: "00:00"}
	for in, want := range tests {
		if got := FormatElapsed(in); got != want {
			t.Errorf("FormatElapsed(%d) = %q, want %q", in, got, want)
		}
	}
}

type countingTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTranscriber) Transcribe(ctx context.Context, req *stt.ChunkRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "text", nil
}

func (c *countingTranscriber) SupportedFormats() []string { return []string{"wav"} }

func (c *countingTranscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
