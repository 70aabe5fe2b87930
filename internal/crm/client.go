package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/config"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/resilience"
)

// ErrMissingMeetingID is returned when the API answers without a record id
var ErrMissingMeetingID = errors.New("meeting record has no id")

// APIError is returned for non-2xx CRM responses
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client is the REST collaborator for meeting records. It implements both
// MeetingStore and Analyzer.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a CRM client from configuration
func NewClient(cfg *config.Config) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.CRMAPIURL); err != nil {
		return nil, fmt.Errorf("invalid CRM_API_URL %q: %w", cfg.CRMAPIURL, err)
	}

	breaker := resilience.NewCircuitBreaker(
		"crm",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.CRMAPIURL, "/"),
		token:   cfg.CRMAPIToken,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.CRMTimeout) * time.Second,
		},
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.FinalizeMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: breaker,
		logger:         observability.WithComponent("crm"),
	}, nil
}

// CreateMeeting creates the meeting record and returns its id
func (c *Client) CreateMeeting(ctx context.Context, fields MeetingFields) (string, error) {
	req := createMeetingRequest{
		Title:        fields.Title,
		ClientID:     fields.ClientID,
		DealID:       fields.DealID,
		DateTime:     fields.DateTime.UTC().Format(time.RFC3339),
		Participants: []string{},
	}

	var envelope meetingEnvelope
	if err := c.do(ctx, http.MethodPost, "/meeting", req, &envelope); err != nil {
		return "", fmt.Errorf("create meeting: %w", err)
	}
	if envelope.Data.ID == "" {
		return "", fmt.Errorf("create meeting: %w", ErrMissingMeetingID)
	}

	c.logger.Info().Str("meeting_id", envelope.Data.ID).Msg("Meeting record created")
	return envelope.Data.ID, nil
}

// PersistTranscript stores the full transcript on the meeting record. The
// PUT replaces the field, so repeating it with the same text is harmless.
func (c *Client) PersistTranscript(ctx context.Context, meetingID, transcript string) error {
	path := "/meeting/" + url.PathEscape(meetingID)
	if err := c.do(ctx, http.MethodPut, path, persistTranscriptRequest{Transcript: transcript}, nil); err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}
	return nil
}

// TriggerAnalysis starts the insight job for a stored transcript
func (c *Client) TriggerAnalysis(ctx context.Context, meetingID, transcript string) error {
	req := analyzeRequest{MeetingID: meetingID, Transcript: transcript}
	if err := c.do(ctx, http.MethodPost, "/meeting/analyze", req, nil); err != nil {
		return fmt.Errorf("trigger analysis: %w", err)
	}
	return nil
}

// HealthCheck reports whether the circuit to the CRM API is usable
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if state := c.circuitBreaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("crm circuit is %s", state)
	}
	return true, nil
}

// do sends a JSON request through the circuit breaker and retry policy
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return resilience.Retry(ctx, func(ctx context.Context) error {
		err := c.circuitBreaker.Call(func() error {
			return c.send(ctx, method, path, payload, out)
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
		return err
	}, c.retry, resilience.IsRetryableNetworkError)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.NewRetryableError(apiErr)
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}
