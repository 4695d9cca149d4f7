package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/bedrock-proxy/internal/circuitbreaker"
	"github.com/SkynetNext/bedrock-proxy/internal/logger"
	"github.com/SkynetNext/bedrock-proxy/internal/metrics"
	"github.com/SkynetNext/bedrock-proxy/internal/retry"
	"github.com/SkynetNext/bedrock-proxy/internal/transport"
)

// ErrCircuitOpen is returned without dialing while a backend's breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// backendDialer dials backends for sessions, guarded by a per-backend
// circuit breaker and retried with exponential backoff inside the session's
// dial timeout
type backendDialer struct {
	dialer   transport.Dialer
	breakers *circuitbreaker.Set
	retry    retry.Config
}

func newBackendDialer(d transport.Dialer, breakers *circuitbreaker.Set, attempts int, delay time.Duration) *backendDialer {
	return &backendDialer{
		dialer:   d,
		breakers: breakers,
		retry: retry.Config{
			MaxAttempts: attempts,
			Delay:       delay,
			Retryable: func(err error) bool {
				return !errors.Is(err, ErrCircuitOpen) &&
					!errors.Is(err, context.Canceled) &&
					!errors.Is(err, context.DeadlineExceeded)
			},
		},
	}
}

func (d *backendDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	return retry.Do(ctx, d.retry, func(ctx context.Context) (transport.Conn, error) {
		return d.dialOnce(ctx, address)
	})
}

func (d *backendDialer) dialOnce(ctx context.Context, address string) (transport.Conn, error) {
	if !d.breakers.Get(address).Allow() {
		metrics.BackendConnectErrors.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, address)
	}

	conn, err := d.dialer.Dial(ctx, address)
	d.breakers.Record(address, err)
	if err != nil {
		logger.DebugWithTrace(ctx, "Backend dial attempt failed",
			zap.String("backend", address),
			zap.Error(err),
		)
		return nil, err
	}
	return conn, nil
}
