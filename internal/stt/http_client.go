package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/resilience"
)

// HTTPConfig contains chunk transcription client configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Formats       []string
	Timeout       time.Duration // per chunk, 0 means no timeout
	MaxConcurrent int
	Retry         *resilience.RetryConfig

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// StatusError is returned for non-2xx transcription responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription service returned HTTP %d: %s", e.StatusCode, e.Body)
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// HTTPTranscriber uploads chunks as multipart forms to a transcription API
type HTTPTranscriber struct {
	config         HTTPConfig
	httpClient     *http.Client
	semaphore      chan struct{}
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewHTTPTranscriber creates a chunk transcription client
func NewHTTPTranscriber(config HTTPConfig) (*HTTPTranscriber, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("transcription endpoint cannot be empty")
	}
	if len(config.Formats) == 0 {
		config.Formats = []string{"wav"}
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Retry == nil {
		config.Retry = resilience.NoRetry()
	}
	if config.CircuitBreakerResetTimeout <= 0 {
		config.CircuitBreakerResetTimeout = 30 * time.Second
	}

	breaker := resilience.NewCircuitBreaker("transcriber", config.CircuitBreakerMaxFailures, config.CircuitBreakerResetTimeout)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	}

	return &HTTPTranscriber{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: config.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore:      make(chan struct{}, config.MaxConcurrent),
		circuitBreaker: breaker,
		logger:         observability.WithComponent("transcriber"),
	}, nil
}

// SupportedFormats lists the payload formats the service accepts
func (c *HTTPTranscriber) SupportedFormats() []string {
	return c.config.Formats
}

// Transcribe sends one chunk and returns its text
func (c *HTTPTranscriber) Transcribe(ctx context.Context, req *ChunkRequest) (string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var text string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		var rejected error
		err := c.circuitBreaker.Call(func() error {
			var err error
			text, err = c.doRequest(ctx, req)
			// A rejected request proves the service is up
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !resilience.IsRetryable(err) {
				rejected = err
				return nil
			}
			return err
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
		}
		if err == nil {
			err = rejected
		}
		return err
	}, c.config.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return "", fmt.Errorf("transcribe chunk %d: %w", req.SequenceIndex, err)
	}
	return text, nil
}

func (c *HTTPTranscriber) doRequest(ctx context.Context, req *ChunkRequest) (string, error) {
	body, contentType, err := c.createMultipartRequest(req)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.NewRetryableError(statusErr)
		}
		return "", statusErr
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return parsed.Text, nil
}

func (c *HTTPTranscriber) createMultipartRequest(req *ChunkRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="chunk-%06d.%s"`, req.SequenceIndex, req.Format))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"sequence_index":  strconv.Itoa(req.SequenceIndex),
		"format":          req.Format,
		"sample_rate":     strconv.Itoa(req.SampleRate),
		"session_id":      req.SessionID,
		"captured_at":     req.CapturedAt.UTC().Format(time.RFC3339),
		"response_format": "json",
	}
	if c.config.Model != "" {
		fields["model"] = c.config.Model
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// HealthCheck reports whether the circuit to the service is usable
func (c *HTTPTranscriber) HealthCheck(ctx context.Context) (bool, error) {
	if state := c.circuitBreaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("transcriber circuit is %s", state)
	}
	return true, nil
}
