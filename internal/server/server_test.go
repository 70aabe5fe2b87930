package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/meeting-capture/internal/crm"
	"github.com/lexiqai/meeting-capture/internal/engine"
	"github.com/lexiqai/meeting-capture/internal/finalize"
	"github.com/lexiqai/meeting-capture/internal/notify"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/session"
	"github.com/lexiqai/meeting-capture/internal/transcript"
)

type stubEngine struct {
	opts engine.Options
}

func (e *stubEngine) Start(ctx context.Context) error {
	e.opts.Buffer.Insert(transcript.Segment{SequenceIndex: 0, Text: "hello there", IsFinal: true})
	return nil
}
func (e *stubEngine) Resume(ctx context.Context) error { return e.Start(ctx) }
func (e *stubEngine) Pause() error                     { return engine.ErrPauseUnsupported }
func (e *stubEngine) Stop() error                      { return nil }
func (e *stubEngine) Drain(ctx context.Context) error  { return nil }
func (e *stubEngine) InFlight() int                    { return 0 }
func (e *stubEngine) Interim() string                  { return "" }
func (e *stubEngine) Running() bool                    { return false }

type stubCRM struct {
	persisted map[string]string
}

func (c *stubCRM) CreateMeeting(ctx context.Context, fields crm.MeetingFields) (string, error) {
	return "m-42", nil
}

func (c *stubCRM) PersistTranscript(ctx context.Context, meetingID, text string) error {
	c.persisted[meetingID] = text
	return nil
}

func (c *stubCRM) TriggerAnalysis(ctx context.Context, meetingID, text string) error {
	return nil
}

func newTestServer(t *testing.T, bus *notify.Bus) (*httptest.Server, *stubCRM) {
	t.Helper()
	store := &stubCRM{persisted: make(map[string]string)}
	manager := session.NewManager(session.Dependencies{
		Meetings:  store,
		Finalizer: finalize.New(store, store, bus),
		Notices:   bus,
		NewEngine: func(opts engine.Options) (engine.Engine, error) {
			return &stubEngine{opts: opts}, nil
		},
		DrainTimeout: time.Second,
	}, time.Minute)
	t.Cleanup(manager.Close)

	srv := New(Options{
		Sessions: manager,
		Notices:  bus,
		Checks: map[string]observability.HealthCheckFunc{
			"crm": func(ctx context.Context) (bool, error) { return true, nil },
		},
	})
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)
	return server, store
}

func post(t *testing.T, url string, body string) (*http.Response, session.Snapshot) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var snap session.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	return resp, snap
}

func TestServer_SessionLifecycle(t *testing.T) {
	server, store := newTestServer(t, notify.NewBus())

	resp, created := post(t, server.URL+"/v1/sessions", `{"clientId":"c1","title":"Weekly sync"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	if created.State != session.StateIdle || created.ID == "" {
		t.Fatalf("Unexpected snapshot %+v", created)
	}
	base := server.URL + "/v1/sessions/" + created.ID

	resp, snap := post(t, base+"/start", "")
	if resp.StatusCode != http.StatusOK || snap.State != session.StateCapturing {
		t.Fatalf("Expected capturing, got %d %+v", resp.StatusCode, snap)
	}
	if snap.MeetingID != "m-42" {
		t.Errorf("Expected lazily created meeting, got %q", snap.MeetingID)
	}

	resp, _ = post(t, base+"/pause", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for unsupported pause, got %d", resp.StatusCode)
	}

	resp, snap = post(t, base+"/end", "")
	if resp.StatusCode != http.StatusOK || snap.State != session.StateDone {
		t.Fatalf("Expected done, got %d %+v", resp.StatusCode, snap)
	}
	if store.persisted["m-42"] != "hello there" {
		t.Errorf("Unexpected persisted transcript %q", store.persisted["m-42"])
	}

	resp, _ = post(t, base+"/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 after done, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(base + "/transcript")
	if err != nil {
		t.Fatalf("GET transcript failed: %v", err)
	}
	defer getResp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(getResp.Body)
	if body.String() != "hello there" {
		t.Errorf("Unexpected transcript %q", body.String())
	}
}

func TestServer_InvalidSetup(t *testing.T) {
	server, _ := newTestServer(t, notify.NewBus())

	resp, _ := post(t, server.URL+"/v1/sessions", `{"title":"no client"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}

	resp, _ = post(t, server.URL+"/v1/sessions", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestServer_UnknownSessionAndAction(t *testing.T) {
	server, _ := newTestServer(t, notify.NewBus())

	resp, err := http.Get(server.URL + "/v1/sessions/missing")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	_, created := post(t, server.URL+"/v1/sessions", `{"meetingId":"m1"}`)
	resp, _ = post(t, server.URL+"/v1/sessions/"+created.ID+"/rewind", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown action, got %d", resp.StatusCode)
	}
}

func TestServer_DeleteSession(t *testing.T) {
	server, _ := newTestServer(t, notify.NewBus())
	_, created := post(t, server.URL+"/v1/sessions", `{"meetingId":"m1"}`)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/v1/sessions/"+created.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestServer_NoticesStream(t *testing.T) {
	bus := notify.NewBus()
	server, _ := newTestServer(t, bus)
	_, created := post(t, server.URL+"/v1/sessions", `{"meetingId":"m1"}`)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/notices?session=" + created.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Publish until the handler has subscribed and forwarded one
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(notify.Notice{SessionID: "other", Message: "ignored"})
				bus.Publish(notify.Notice{SessionID: created.ID, Level: notify.LevelInfo, Message: "hello"})
			}
		}
	}()

	var notice notify.Notice
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if notice.SessionID != created.ID || notice.Message != "hello" {
		t.Errorf("Expected filtered notice, got %+v", notice)
	}
}

func TestServer_Health(t *testing.T) {
	server, _ := newTestServer(t, notify.NewBus())

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected 200 from %s, got %d", path, resp.StatusCode)
		}
	}
}
