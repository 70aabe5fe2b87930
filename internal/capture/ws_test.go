package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/meeting-capture/internal/audio"
)

type acquireResult struct {
	source Source
	err    error
}

func newBrokerServer(t *testing.T, broker *Broker) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		broker.HandleWS("s1", w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func startAcquire(t *testing.T, ctx context.Context, broker *Broker) <-chan acquireResult {
	t.Helper()
	results := make(chan acquireResult, 1)
	go func() {
		src, err := broker.For("s1").Acquire(ctx)
		results <- acquireResult{src, err}
	}()

	deadline := time.Now().Add(time.Second)
	for !broker.Pending("s1") {
		if time.Now().After(deadline) {
			t.Fatal("acquisition never became pending")
		}
		time.Sleep(time.Millisecond)
	}
	return results
}

func dialPage(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read server message: %v", err)
	}
	return msg
}

func waitResult(t *testing.T, results <-chan acquireResult) acquireResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return")
	}
	return acquireResult{}
}

func TestBroker_AcquireDiscardsVideoAndStreamsAudio(t *testing.T) {
	broker := NewBroker(time.Second)
	server := newBrokerServer(t, broker)
	results := startAcquire(t, context.Background(), broker)

	page := dialPage(t, server)
	page.WriteJSON(ClientMessage{
		Event:      "start",
		SampleRate: 16000,
		Tracks: []Track{
			{ID: "v1", Kind: "video"},
			{ID: "a1", Kind: "audio", Label: "Tab audio"},
		},
	})

	if msg := readServerMessage(t, page); msg.Event != "stop_track" || msg.Track != "v1" {
		t.Errorf("Expected stop_track for v1, got %+v", msg)
	}
	if msg := readServerMessage(t, page); msg.Event != "ready" {
		t.Errorf("Expected ready, got %+v", msg)
	}

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Acquire failed: %v", res.err)
	}
	src := res.source
	if src.SampleRate() != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", src.SampleRate())
	}

	page.WriteMessage(websocket.BinaryMessage, audio.SamplesToBytes([]int16{10, -10, 20}))
	select {
	case frame := <-src.Samples():
		if len(frame) != 3 || frame[2] != 20 {
			t.Errorf("Unexpected frame %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a PCM frame")
	}

	page.WriteJSON(ClientMessage{Event: "track_ended", Track: "a1"})
	select {
	case <-src.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Ended to fire after the operator stopped sharing")
	}
}

func TestBroker_NoAudioTrack(t *testing.T) {
	broker := NewBroker(time.Second)
	server := newBrokerServer(t, broker)
	results := startAcquire(t, context.Background(), broker)

	page := dialPage(t, server)
	page.WriteJSON(ClientMessage{Event: "start", Tracks: []Track{{ID: "v1", Kind: "video"}}})

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrNoAudioTrack) {
		t.Errorf("Expected ErrNoAudioTrack, got %v", res.err)
	}
}

func TestBroker_PermissionDenied(t *testing.T) {
	broker := NewBroker(time.Second)
	server := newBrokerServer(t, broker)
	results := startAcquire(t, context.Background(), broker)

	page := dialPage(t, server)
	page.WriteJSON(ClientMessage{Event: "denied", Reason: "NotAllowedError"})

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", res.err)
	}
}

func TestBroker_HandshakeTimeout(t *testing.T) {
	broker := NewBroker(50 * time.Millisecond)
	server := newBrokerServer(t, broker)
	results := startAcquire(t, context.Background(), broker)

	dialPage(t, server)

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrDeviceError) {
		t.Errorf("Expected ErrDeviceError on handshake timeout, got %v", res.err)
	}
}

func TestBroker_CancelWhileWaiting(t *testing.T) {
	broker := NewBroker(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	results := startAcquire(t, ctx, broker)

	cancel()

	res := waitResult(t, results)
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", res.err)
	}
	if broker.Pending("s1") {
		t.Error("Expected no pending acquisition after cancel")
	}
}

func TestBroker_RejectsSocketWithoutPendingAcquire(t *testing.T) {
	broker := NewBroker(time.Second)

	rec := httptest.NewRecorder()
	broker.HandleWS("s1", rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/capture", nil))

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}
}

func TestBroker_OwnerCloseStopsPage(t *testing.T) {
	broker := NewBroker(time.Second)
	server := newBrokerServer(t, broker)
	results := startAcquire(t, context.Background(), broker)

	page := dialPage(t, server)
	page.WriteJSON(ClientMessage{Event: "start", Tracks: []Track{{ID: "a1", Kind: "audio"}}})
	readServerMessage(t, page) // ready

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Acquire failed: %v", res.err)
	}

	res.source.Close()
	res.source.Close()

	if msg := readServerMessage(t, page); msg.Event != "stop" {
		t.Errorf("Expected stop, got %+v", msg)
	}
	select {
	case <-res.source.Ended():
		t.Error("Expected Ended not to fire for our own Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_WriteControlOnClosedSocket(t *testing.T) {
	broker := NewBroker(time.Second)
	conns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	dialPage(t, server)
	conn := <-conns
	conn.Close()

	// A failed control write is logged, never fatal
	broker.writeControl(conn, nil, ServerMessage{Event: "stop", Reason: "closed"})
}
