package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const userAgent = "vigil-probe/1.0"

// HTTPExecutor performs one HTTP check per call. It never retries internally;
// job-level retries and the transport circuit breaker are separate layers.
type HTTPExecutor struct {
	client         *http.Client
	breaker        *gobreaker.CircuitBreaker
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewHTTPExecutor creates an executor with a transport-level circuit breaker:
// five consecutive transport failures within 30s open the breaker for 30s;
// half-open admits a single probe.
func NewHTTPExecutor(defaultTimeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "http-transport",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &HTTPExecutor{
		client:         &http.Client{},
		breaker:        breaker,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// EffectiveTimeout returns the per-target timeout, falling back to the global
// default.
func (x *HTTPExecutor) EffectiveTimeout(target EndpointTarget) time.Duration {
	if target.Timeout > 0 {
		return target.Timeout
	}
	return x.defaultTimeout
}

// Execute performs a single request against the endpoint. The returned
// outcome always has a bounded Elapsed; classification is the caller's job.
func (x *HTTPExecutor) Execute(ctx context.Context, target EndpointTarget) HTTPOutcome {
	timeout := x.EffectiveTimeout(target)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, method, target.URL, nil)
	if err != nil {
		return HTTPOutcome{Elapsed: time.Since(start), Err: &Error{Kind: ErrKindUnexpected, Err: fmt.Errorf("build request: %w", err)}}
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := x.breaker.Execute(func() (any, error) {
		resp, err := x.client.Do(req)
		if err != nil {
			return nil, err
		}
		// Drain so the connection can be reused; the body is not inspected.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
		return resp, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		return HTTPOutcome{Elapsed: elapsed, Err: classifyHTTPError(ctx, reqCtx, err)}
	}

	resp := res.(*http.Response)
	return HTTPOutcome{
		StatusCode: resp.StatusCode,
		Reason:     http.StatusText(resp.StatusCode),
		Elapsed:    elapsed,
	}
}

func classifyHTTPError(parent, reqCtx context.Context, err error) *Error {
	switch {
	case parent.Err() != nil:
		// Shutdown, not a local deadline.
		return &Error{Kind: ErrKindCancelled, Err: parent.Err()}
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrKindTimeout, Err: err}
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Kind: ErrKindTransport, Err: err}
	default:
		return &Error{Kind: ErrKindTransport, Err: err}
	}
}
