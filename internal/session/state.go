package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/meeting-capture/internal/capture"
	"github.com/lexiqai/meeting-capture/internal/engine"
)

// State of a capture session
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StatePaused    State = "paused"
	StateEnding    State = "ending"
	StateDone      State = "done"
	StateError     State = "error"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var (
	// ErrInvalidTransition is matched by every TransitionError
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrBusy is returned while another lifecycle operation is running
	ErrBusy = errors.New("session is busy")

	// ErrInvalidSetup is returned for setups that cannot create a meeting
	ErrInvalidSetup = errors.New("invalid session setup")

	// ErrMeetingCreation is returned when the lazy meeting record could not be created
	ErrMeetingCreation = errors.New("failed to create meeting record")

	// ErrClosed is returned once a session has been discarded
	ErrClosed = errors.New("session is closed")
)

// TransitionError reports an action that is not allowed from the current state
type TransitionError struct {
	Action string
	From   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a session that is %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Status messages
const (
	msgReady           = "Ready to capture."
	msgAcquiring       = "Waiting for audio source..."
	msgCapturing       = "Capturing audio..."
	msgPaused          = "Paused."
	msgMeetingFailed   = "Failed to create meeting record."
	msgPermission      = "Screen sharing was declined. Press Start and allow sharing to capture the meeting."
	msgNoAudio         = "No audio was shared. Share again and make sure \"Share audio\" is ticked."
	msgDevice          = "Could not open the audio source. Check your microphone or browser and try again."
	msgCancelled       = "Capture request was cancelled."
	msgSourceRevoked   = "Screen sharing ended. Press Resume to share the meeting again."
	msgRecognizerLost  = "Speech recognition stopped unexpectedly. Press Resume to continue."
	msgNothingToFinish = "Nothing to save: capture never started."
)

// guidance maps an acquisition or source-loss error to an operator message
func guidance(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return msgPermission
	case errors.Is(err, capture.ErrNoAudioTrack):
		return msgNoAudio
	case errors.Is(err, capture.ErrSourceRevoked):
		return msgSourceRevoked
	case errors.Is(err, engine.ErrRecognizerLost):
		return msgRecognizerLost
	case errors.Is(err, capture.ErrDeviceError):
		return msgDevice
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return msgCancelled
	}
	return fmt.Sprintf("Could not start capture: %v", err)
}
