package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/audio"
	"github.com/lexiqai/meeting-capture/internal/observability"
)

const defaultBrowserSampleRate = 48000

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The capture page is served by the dashboard on another origin
		return true
	},
	ReadBufferSize:  8192,
	WriteBufferSize: 1024,
}

// Track describes one media track of a shared display surface
type Track struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"` // "audio" or "video"
	Label string `json:"label,omitempty"`
}

// ClientMessage is a JSON control frame sent by the capture page
type ClientMessage struct {
	Event      string  `json:"event"` // start, denied, error, track_ended
	SampleRate int     `json:"sampleRate,omitempty"`
	Tracks     []Track `json:"tracks,omitempty"`
	Track      string  `json:"track,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ServerMessage is a JSON control frame sent to the capture page
type ServerMessage struct {
	Event  string `json:"event"` // stop_track, ready, stop
	Track  string `json:"track,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Broker pairs browser capture sockets with sessions waiting in Acquire
type Broker struct {
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	metrics          *observability.Metrics

	mu      sync.Mutex
	waiting map[string]chan *websocket.Conn
}

// NewBroker creates a broker. handshakeTimeout bounds the time between the
// socket opening and the page reporting its tracks.
func NewBroker(handshakeTimeout time.Duration) *Broker {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Broker{
		handshakeTimeout: handshakeTimeout,
		logger:           observability.WithComponent("capture_broker"),
		metrics:          observability.NewSessionMetrics("capture_broker"),
		waiting:          make(map[string]chan *websocket.Conn),
	}
}

// For returns the Acquirer of one session
func (b *Broker) For(sessionID string) Acquirer {
	return AcquirerFunc(func(ctx context.Context) (Source, error) {
		return b.acquire(ctx, sessionID)
	})
}

// Pending reports whether a session is currently waiting for a socket
func (b *Broker) Pending(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiting[sessionID]
	return ok
}

func (b *Broker) acquire(ctx context.Context, sessionID string) (Source, error) {
	ch := make(chan *websocket.Conn, 1)

	b.mu.Lock()
	if _, busy := b.waiting[sessionID]; busy {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: acquisition already pending", ErrDeviceError)
	}
	b.waiting[sessionID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.waiting[sessionID] == ch {
			delete(b.waiting, sessionID)
		}
		b.mu.Unlock()
	}()

	b.logger.Info().Str("session_id", sessionID).Msg("Waiting for capture page to share a source")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-ch:
		return b.handshake(ctx, sessionID, conn)
	}
}

// HandleWS upgrades the capture socket of a session and hands it to the
// pending Acquire call. Sessions that are not acquiring get 409.
func (b *Broker) HandleWS(sessionID string, w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ch, ok := b.waiting[sessionID]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "session is not waiting for a capture source", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to upgrade capture socket")
		return
	}

	select {
	case ch <- conn:
	default:
		// Another socket won the race for this acquisition
		b.writeControl(conn, nil, ServerMessage{Event: "stop", Reason: "duplicate"})
		conn.Close()
	}
}

// handshake waits for the page to grant or deny access and validates the tracks
func (b *Broker) handshake(ctx context.Context, sessionID string, conn *websocket.Conn) (Source, error) {
	logger := b.logger.With().Str("session_id", sessionID).Logger()

	// Cancellation (navigation away) must interrupt a blocked read
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()

	fail := func(err error, reason string) (Source, error) {
		b.writeControl(conn, nil, ServerMessage{Event: "stop", Reason: reason})
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(b.handshakeTimeout))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("%w: handshake: %v", ErrDeviceError, err), "handshake_failed")
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Msg("Ignoring malformed capture control frame")
			continue
		}

		switch msg.Event {
		case "denied":
			return fail(fmt.Errorf("%w: %s", ErrPermissionDenied, msg.Reason), "denied")
		case "error":
			return fail(fmt.Errorf("%w: %s", ErrDeviceError, msg.Reason), "error")
		case "start":
			return b.start(sessionID, conn, msg, logger, fail)
		default:
			logger.Debug().Str("event", msg.Event).Msg("Ignoring capture event before start")
		}
	}
}

func (b *Broker) start(
	sessionID string,
	conn *websocket.Conn,
	msg ClientMessage,
	logger zerolog.Logger,
	fail func(error, string) (Source, error),
) (Source, error) {
	var writeMu sync.Mutex
	var audioTrack *Track

	for i := range msg.Tracks {
		track := msg.Tracks[i]
		switch track.Kind {
		case "audio":
			if audioTrack == nil {
				audioTrack = &track
			}
		default:
			// Video is never rendered or transmitted
			b.writeControl(conn, &writeMu, ServerMessage{Event: "stop_track", Track: track.ID})
		}
	}
	if audioTrack == nil {
		return fail(ErrNoAudioTrack, "no_audio_track")
	}

	sampleRate := msg.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultBrowserSampleRate
	}

	conn.SetReadDeadline(time.Time{})
	stream := NewStream("browser:"+sessionID+":"+audioTrack.ID, sampleRate, func() {
		b.writeControl(conn, &writeMu, ServerMessage{Event: "stop"})
		conn.Close()
	})

	b.writeControl(conn, &writeMu, ServerMessage{Event: "ready"})
	logger.Info().
		Str("track", audioTrack.ID).
		Str("label", audioTrack.Label).
		Int("sample_rate", sampleRate).
		Int("tracks", len(msg.Tracks)).
		Msg("Capture source ready")

	go b.readFrames(conn, stream, audioTrack.ID, logger)
	return stream, nil
}

// readFrames pumps binary PCM frames into the stream until the socket ends
func (b *Broker) readFrames(conn *websocket.Conn, stream *Stream, audioTrackID string, logger zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if stream.Open() {
				logger.Info().Err(err).Msg("Capture socket closed by the page")
				stream.Revoke()
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			samples, err := audio.BytesToSamples(data)
			if err != nil {
				logger.Warn().Err(err).Msg("Dropping malformed PCM frame")
				continue
			}
			b.metrics.RecordAudioBytes("browser", int64(len(data)))
			stream.Push(samples)

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Event == "track_ended" && (msg.Track == "" || msg.Track == audioTrackID) {
				logger.Info().Str("track", msg.Track).Msg("Operator stopped sharing")
				stream.Revoke()
				return
			}
		}
	}
}

func (b *Broker) writeControl(conn *websocket.Conn, mu *sync.Mutex, msg ServerMessage) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		b.logger.Debug().Err(err).Str("event", msg.Event).Msg("Failed to write capture control frame")
	}
}
