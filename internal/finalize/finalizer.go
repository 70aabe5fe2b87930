// Package finalize persists a finished session's transcript and starts the
// downstream analysis job.
package finalize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

// Status messages shown to the operator
const (
	MsgSaving         = "Saving transcript..."
	MsgAnalyzing      = "Running AI analysis..."
	MsgDone           = "Done! Meeting insights are ready."
	MsgPersistFailed  = "Failed to save. Please copy your transcript manually."
	MsgAnalysisFailed = "Transcript saved, but AI analysis did not run. Retry analysis from the meeting page."
)

// Finalize outcomes for metrics
const (
	OutcomeDone          = "done"
	OutcomePersistError  = "persist_error"
	OutcomeAnalysisError = "analysis_error"
)

// TranscriptStore persists the transcript on the meeting record
type TranscriptStore interface {
	PersistTranscript(ctx context.Context, meetingID, transcript string) error
}

// Analyzer starts the analysis job
type Analyzer interface {
	TriggerAnalysis(ctx context.Context, meetingID, transcript string) error
}

// PersistError means the transcript was not stored. The in-memory
// transcript is the only copy.
type PersistError struct {
	MeetingID string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist transcript for meeting %s: %v", e.MeetingID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// AnalysisError means the transcript is stored but analysis did not start
type AnalysisError struct {
	MeetingID string
	Err       error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("trigger analysis for meeting %s: %v", e.MeetingID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Request identifies the session being finalized
type Request struct {
	SessionID string
	MeetingID string
	Buffer    *transcript.Buffer
	Metrics   *observability.Metrics

	// Progress, if set, receives intermediate status messages
	Progress func(message string)
}

// Finalizer runs the terminal persistence steps of a session
type Finalizer struct {
	store    TranscriptStore
	analyzer Analyzer
	notices  notify.Publisher
	logger   zerolog.Logger
}

// New creates a finalizer. notices may be nil.
func New(store TranscriptStore, analyzer Analyzer, notices notify.Publisher) *Finalizer {
	if notices == nil {
		notices = notify.Discard{}
	}
	return &Finalizer{
		store:    store,
		analyzer: analyzer,
		notices:  notices,
		logger:   observability.WithComponent("finalizer"),
	}
}

// Finalize assembles the canonical transcript, persists it and, only if
// that worked, triggers analysis. It returns the assembled transcript, the
// final status message and a *PersistError or *AnalysisError on failure.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (string, string, error) {
	metrics := req.Metrics
	if metrics == nil {
		metrics = observability.NewSessionMetrics(req.SessionID)
	}
	logger := f.logger.With().
		Str("session_id", req.SessionID).
		Str("meeting_id", req.MeetingID).
		Logger()

	text := req.Buffer.Text()
	progress(req, MsgSaving)

	if err := f.store.PersistTranscript(ctx, req.MeetingID, text); err != nil {
		metrics.RecordFinalize(OutcomePersistError)
		logger.Error().Err(err).Int("transcript_chars", len(text)).Msg("Failed to persist transcript")
		f.publish(req, notify.LevelError, MsgPersistFailed)
		return text, MsgPersistFailed, &PersistError{MeetingID: req.MeetingID, Err: err}
	}
	logger.Info().Int("transcript_chars", len(text)).Int("segments", req.Buffer.Len()).Msg("Transcript persisted")

	progress(req, MsgAnalyzing)
	if err := f.analyzer.TriggerAnalysis(ctx, req.MeetingID, text); err != nil {
		metrics.RecordFinalize(OutcomeAnalysisError)
		logger.Error().Err(err).Msg("Failed to trigger analysis")
		f.publish(req, notify.LevelError, MsgAnalysisFailed)
		return text, MsgAnalysisFailed, &AnalysisError{MeetingID: req.MeetingID, Err: err}
	}

	metrics.RecordFinalize(OutcomeDone)
	logger.Info().Msg("Session finalized")
	f.publish(req, notify.LevelSuccess, MsgDone)
	return text, MsgDone, nil
}

func (f *Finalizer) publish(req Request, level notify.Level, message string) {
	f.notices.Publish(notify.Notice{
		SessionID: req.SessionID,
		Level:     level,
		Message:   message,
	})
}

func progress(req Request, message string) {
	if req.Progress != nil {
		req.Progress(message)
	}
}
