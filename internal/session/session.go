// Package session implements the capture session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/crm"
	"github.com/lexiqai/meeting-capture/internal/engine"
	"github.com/lexiqai/meeting-capture/internal/finalize"
	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

// ErrNoMeeting is returned by End when capture never started
var ErrNoMeeting = errors.New("session has no meeting record")

// MeetingCreator creates the external meeting record
type MeetingCreator interface {
	CreateMeeting(ctx context.Context, fields crm.MeetingFields) (string, error)
}

// EngineFactory builds the live transcription engine for a session. opts
// carries the session's buffer, logger, metrics and source-loss callback;
// the factory supplies the acquirer.
type EngineFactory func(opts engine.Options) (engine.Engine, error)

// Dependencies are shared by every session
type Dependencies struct {
	Meetings     MeetingCreator
	Finalizer    *finalize.Finalizer
	Notices      notify.Publisher
	NewEngine    EngineFactory
	DrainTimeout time.Duration
}

// Setup is what the operator supplies before capture starts. A MeetingID
// skips lazy creation.
type Setup struct {
	MeetingID string `json:"meetingId,omitempty"`
	Title     string `json:"title,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	DealID    string `json:"dealId,omitempty"`
}

// Validate checks that a meeting can be created or is already known
func (s Setup) Validate() error {
	if s.MeetingID == "" && strings.TrimSpace(s.ClientID) == "" {
		return fmt.Errorf("%w: a client is required when no meeting is selected", ErrInvalidSetup)
	}
	return nil
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID             string               `json:"id"`
	State          State                `json:"state"`
	MeetingID      string               `json:"meetingId,omitempty"`
	StatusMessage  string               `json:"statusMessage"`
	ElapsedSeconds int                  `json:"elapsedSeconds"`
	Elapsed        string               `json:"elapsed"`
	SegmentCount   int                  `json:"segmentCount"`
	InFlight       int                  `json:"inFlight"`
	Interim        string               `json:"interim,omitempty"`
	Transcript     string               `json:"transcript"`
	Segments       []transcript.Segment `json:"segments"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// Session owns one live capture: its state, transcript and engine.
// Lifecycle operations are serialized; Snapshot never blocks on them.
type Session struct {
	id      string
	setup   Setup
	deps    Dependencies
	buffer  *transcript.Buffer
	engine  engine.Engine
	metrics *observability.Metrics
	logger  zerolog.Logger

	// op serializes Start, Resume, Stop, Pause and End
	op sync.Mutex

	mu            sync.Mutex
	state         State
	meetingID     string
	status        string
	elapsed       int
	started       bool
	closed        bool
	endPending    bool // an End is waiting for op
	acquireCancel context.CancelFunc
	tickerStop    chan struct{}
	createdAt     time.Time
	updatedAt     time.Time
}

// New creates an idle session
func New(id string, setup Setup, deps Dependencies) (*Session, error) {
	if err := setup.Validate(); err != nil {
		return nil, err
	}
	if deps.Notices == nil {
		deps.Notices = notify.Discard{}
	}
	if deps.NewEngine == nil {
		return nil, fmt.Errorf("session %s: no engine factory", id)
	}

	now := time.Now()
	s := &Session{
		id:        id,
		setup:     setup,
		deps:      deps,
		buffer:    transcript.NewBuffer(),
		metrics:   observability.NewSessionMetrics(id),
		logger:    observability.WithSession(id, observability.NewCorrelationID()),
		state:     StateIdle,
		meetingID: setup.MeetingID,
		status:    msgReady,
		createdAt: now,
		updatedAt: now,
	}

	eng, err := deps.NewEngine(engine.Options{
		SessionID:    id,
		Buffer:       s.buffer,
		Metrics:      s.metrics,
		Logger:       s.logger,
		OnSourceLost: s.onSourceLost,
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: create engine: %w", id, err)
	}
	s.engine = eng

	s.metrics.RecordSessionStart()
	s.logger.Info().Str("meeting_id", setup.MeetingID).Msg("Session created")
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins capture from idle, creating the meeting record first if
// needed. Every failure leaves the session idle with a status message.
func (s *Session) Start(ctx context.Context) error {
	return s.begin(ctx, "start", StateIdle)
}

// Resume re-acquires a fresh source after a stop, a revocation or a pause.
// Segments captured so far are kept and new ones append after them.
func (s *Session) Resume(ctx context.Context) error {
	return s.begin(ctx, "resume", StateIdle, StatePaused)
}

func (s *Session) begin(ctx context.Context, action string, allowed ...State) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.endPending {
		s.mu.Unlock()
		return ErrBusy
	}
	from := s.state
	if !stateIn(from, allowed) {
		s.mu.Unlock()
		return &TransitionError{Action: action, From: from}
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	s.acquireCancel = cancel
	meetingID := s.meetingID
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.acquireCancel = nil
		s.mu.Unlock()
	}()

	if meetingID == "" {
		id, err := s.createMeeting(acquireCtx)
		if err != nil {
			s.setStatus(msgMeetingFailed)
			return fmt.Errorf("%w: %v", ErrMeetingCreation, err)
		}
		meetingID = id
	}

	s.setStatus(msgAcquiring)

	var err error
	if from == StatePaused || s.hasStarted() {
		err = s.engine.Resume(acquireCtx)
	} else {
		err = s.engine.Start(acquireCtx)
	}
	if err != nil {
		s.metrics.RecordError("acquire_failed", "session")
		s.logger.Warn().Err(err).Str("action", action).Msg("Audio source acquisition failed")

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StatePaused {
			s.transitionLocked(StateIdle, guidance(err))
		} else {
			s.status = guidance(err)
			s.updatedAt = time.Now()
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != from {
		// End or Close won the race while we were acquiring
		go s.engine.Stop()
		return &TransitionError{Action: action, From: s.state}
	}
	s.started = true
	s.transitionLocked(StateCapturing, msgCapturing)
	s.startTickerLocked()
	return nil
}

func (s *Session) createMeeting(ctx context.Context) (string, error) {
	now := time.Now()
	title := strings.TrimSpace(s.setup.Title)
	if title == "" {
		title = fmt.Sprintf("Live Meeting — %s", now.Format("1/2/2006"))
	}

	id, err := s.deps.Meetings.CreateMeeting(ctx, crm.MeetingFields{
		Title:    title,
		ClientID: s.setup.ClientID,
		DealID:   s.setup.DealID,
		DateTime: now,
	})
	if err != nil {
		s.metrics.RecordError("meeting_create_failed", "session")
		s.logger.Error().Err(err).Msg("Failed to create meeting record")
		return "", err
	}

	s.mu.Lock()
	s.meetingID = id
	s.logger = s.logger.With().Str("meeting_id", id).Logger()
	s.mu.Unlock()
	return id, nil
}

// Stop ends the current capture span and returns to idle. The source is
// released before Stop returns; chunks already dispatched still land.
func (s *Session) Stop() error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateCapturing && s.state != StatePaused {
		from := s.state
		s.mu.Unlock()
		return &TransitionError{Action: "stop", From: from}
	}
	s.stopTickerLocked()
	s.mu.Unlock()

	if err := s.engine.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Engine stop failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCapturing || s.state == StatePaused {
		s.transitionLocked(StateIdle, fmt.Sprintf("Capture stopped. %d segments captured.", s.buffer.Len()))
	}
	return nil
}

// Pause suspends capture for engines that support it
func (s *Session) Pause() error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state != StateCapturing {
		from := s.state
		s.mu.Unlock()
		return &TransitionError{Action: "pause", From: from}
	}
	s.mu.Unlock()

	if err := s.engine.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTickerLocked()
	if s.state == StateCapturing {
		s.transitionLocked(StatePaused, msgPaused)
	}
	return nil
}

// End tears down every live resource, waits for in-flight transcriptions
// (bounded by the drain timeout) and finalizes. It always leaves the session
// in done or error.
func (s *Session) End(ctx context.Context) error {
	// A pending acquisition would hold op until the operator answers
	s.requestEnd()

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	s.endPending = false
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	from := s.state
	if from != StateCapturing && from != StateIdle && from != StatePaused {
		s.mu.Unlock()
		return &TransitionError{Action: "end", From: from}
	}
	if s.meetingID == "" {
		s.status = msgNothingToFinish
		s.updatedAt = time.Now()
		s.mu.Unlock()
		return ErrNoMeeting
	}
	meetingID := s.meetingID
	s.stopTickerLocked()
	s.transitionLocked(StateEnding, finalize.MsgSaving)
	s.mu.Unlock()

	if err := s.engine.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Engine stop failed")
	}

	ctx = context.WithoutCancel(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout())
	if err := s.engine.Drain(drainCtx); err != nil {
		s.logger.Warn().
			Err(err).
			Int("in_flight", s.engine.InFlight()).
			Msg("Finalizing before every chunk was transcribed")
	}
	cancel()

	_, message, err := s.deps.Finalizer.Finalize(ctx, finalize.Request{
		SessionID: s.id,
		MeetingID: meetingID,
		Buffer:    s.buffer,
		Metrics:   s.metrics,
		Progress:  s.setStatus,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.transitionLocked(StateError, message)
		return err
	}
	s.transitionLocked(StateDone, message)
	return nil
}

func (s *Session) drainTimeout() time.Duration {
	if s.deps.DrainTimeout > 0 {
		return s.deps.DrainTimeout
	}
	return 30 * time.Second
}

// onSourceLost handles revocation reported by the engine after it has
// already released the source
func (s *Session) onSourceLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCapturing && s.state != StatePaused {
		return
	}
	s.stopTickerLocked()
	s.metrics.RecordError("source_lost", "session")
	s.transitionLocked(StateIdle, guidance(err))
}

// Snapshot returns the current view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:             s.id,
		State:          s.state,
		MeetingID:      s.meetingID,
		StatusMessage:  s.status,
		ElapsedSeconds: s.elapsed,
		Elapsed:        FormatElapsed(s.elapsed),
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	s.mu.Unlock()

	snap.Segments = s.buffer.Segments()
	snap.SegmentCount = len(snap.Segments)
	snap.Transcript = s.buffer.Text()
	snap.InFlight = s.engine.InFlight()
	snap.Interim = s.engine.Interim()
	return snap
}

// Transcript returns the assembled transcript so far
func (s *Session) Transcript() string {
	return s.buffer.Text()
}

// Close discards the session: any pending acquisition is cancelled and the
// source released. The transcript is not finalized.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.acquireCancel
	s.stopTickerLocked()
	elapsed := s.elapsed
	logger := s.logger
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := s.engine.Stop()
	s.metrics.RecordSessionEnd(time.Duration(elapsed) * time.Second)
	logger.Info().Int("elapsed_seconds", elapsed).Msg("Session closed")
	return err
}

// idleSince returns when a terminal session last changed, or false
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, s.state.Terminal()
}

// requestEnd cancels a pending acquisition and stops a begin that has
// not reached acquisition yet. Both checks share s.mu with begin.
func (s *Session) requestEnd() {
	s.mu.Lock()
	s.endPending = true
	cancel := s.acquireCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) hasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) setStatus(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = message
	s.updatedAt = time.Now()
}

// transitionLocked moves to a new state; s.mu must be held
func (s *Session) transitionLocked(to State, message string) {
	from := s.state
	s.state = to
	s.status = message
	s.updatedAt = time.Now()

	s.metrics.RecordTransition(string(from), string(to))
	s.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("status", message).
		Int("segments", s.buffer.Len()).
		Msg("Session transition")

	level := notify.LevelInfo
	switch to {
	case StateError:
		level = notify.LevelError
	case StateDone:
		level = notify.LevelSuccess
	}
	s.deps.Notices.Publish(notify.Notice{SessionID: s.id, Level: level, Message: message})
}

// startTickerLocked advances elapsedSeconds once per second while capturing
func (s *Session) startTickerLocked() {
	s.stopTickerLocked()
	stop := make(chan struct{})
	s.tickerStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.state == StateCapturing {
					s.elapsed++
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Session) stopTickerLocked() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

// FormatElapsed renders seconds as mm:ss
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func stateIn(state State, allowed []State) bool {
	for _, a := range allowed {
		if state == a {
			return true
		}
	}
	return false
}
