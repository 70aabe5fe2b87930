package crm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/meeting-capture/internal/config"
	"github.com/lexiqai/meeting-capture/internal/observability"
	"github.com/lexiqai/meeting-capture/internal/resilience"
)

const (
	// InsightService is the fully qualified insight service name
	InsightService = "lexiq.insights.v1.InsightService"

	analyzeMeetingMethod = "/" + InsightService + "/AnalyzeMeeting"
)

// GRPCAnalyzer triggers analysis on the insight service over gRPC. The
// request and response are google.protobuf.Struct messages.
type GRPCAnalyzer struct {
	target         string
	tlsEnabled     bool
	timeout        time.Duration
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	token          string
	logger         zerolog.Logger

	mu          sync.RWMutex
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	isConnected bool
}

// NewGRPCAnalyzer connects to the insight service
func NewGRPCAnalyzer(cfg *config.Config) (*GRPCAnalyzer, error) {
	breaker := resilience.NewCircuitBreaker(
		"insights",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	}

	a := &GRPCAnalyzer{
		target:     cfg.AnalysisGRPCURL,
		tlsEnabled: cfg.AnalysisGRPCTLSEnabled,
		timeout:    time.Duration(cfg.AnalysisGRPCTimeout) * time.Second,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.FinalizeMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: breaker,
		token:          cfg.CRMAPIToken,
		logger:         observability.WithComponent("insights"),
	}

	if err := a.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to insight service: %w", err)
	}
	return a, nil
}

// connect establishes the gRPC connection
func (a *GRPCAnalyzer) connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected && a.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if a.tlsEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, a.target, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial insight service at %s: %w", a.target, err)
	}

	a.conn = conn
	a.health = healthpb.NewHealthClient(conn)
	a.isConnected = true

	a.logger.Info().Str("target", a.target).Bool("tls", a.tlsEnabled).Msg("Connected to insight service")
	return nil
}

// TriggerAnalysis invokes AnalyzeMeeting for a stored transcript
func (a *GRPCAnalyzer) TriggerAnalysis(ctx context.Context, meetingID, transcript string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"meetingId":  meetingID,
		"transcript": transcript,
	})
	if err != nil {
		return fmt.Errorf("failed to build analysis request: %w", err)
	}

	err = resilience.Retry(ctx, func(ctx context.Context) error {
		callErr := a.circuitBreaker.Call(func() error {
			if err := a.connect(); err != nil {
				return err
			}

			a.mu.RLock()
			conn := a.conn
			a.mu.RUnlock()

			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			if a.token != "" {
				callCtx = metadata.AppendToOutgoingContext(callCtx, "authorization", "Bearer "+a.token)
			}

			resp := &structpb.Struct{}
			return conn.Invoke(callCtx, analyzeMeetingMethod, req, resp)
		})
		if callErr != nil && !errors.Is(callErr, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(a.circuitBreaker.Name())
		}
		return callErr
	}, a.retry, isRetryableRPCError)
	if err != nil {
		return fmt.Errorf("trigger analysis: %w", err)
	}

	a.logger.Info().Str("meeting_id", meetingID).Msg("Analysis triggered")
	return nil
}

// HealthCheck queries the standard gRPC health service
func (a *GRPCAnalyzer) HealthCheck(ctx context.Context) (bool, error) {
	a.mu.RLock()
	if !a.isConnected || a.health == nil {
		a.mu.RUnlock()
		return false, fmt.Errorf("insight service client is not connected")
	}
	health := a.health
	a.mu.RUnlock()

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: InsightService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (a *GRPCAnalyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.isConnected = false
	a.conn = nil
	a.health = nil
	return err
}

// isRetryableRPCError treats transient gRPC codes as retryable
func isRetryableRPCError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}
