package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryConfig holds the backoff policy of a RetryConnector
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
}

func defaultRetryConfig() *retryConfig {
	return &retryConfig{
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   1 * time.Second,
		multiplier: 2.0,
	}
}

// RetryOption configures a RetryConnector.
type RetryOption func(*retryConfig)

// WithMaxRetries sets the number of retries after the first attempt. Negative values are ignored.
func WithMaxRetries(n int) RetryOption {
	return func(c *retryConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseDelay sets the delay before the first retry. Non-positive values are ignored.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithMaxDelay caps the delay between retries. Non-positive values are ignored.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// WithBackoffMultiplier sets the factor applied to the delay after each retry.
// Non-positive values are ignored.
func WithBackoffMultiplier(m float64) RetryOption {
	return func(c *retryConfig) {
		if m > 0 {
			c.multiplier = m
		}
	}
}

func newRetryConfig(opts []RetryOption) *retryConfig {
	cfg := defaultRetryConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// retryOperation runs operation until it succeeds, fails permanently, runs
// out of retries or ctx ends. onRetry is called before each wait with the
// attempt number, the previous error and the delay about to be slept.
func retryOperation(ctx context.Context, config *retryConfig, operation func(context.Context) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error
	delay := config.baseDelay

	for attempt := 0; attempt <= config.maxRetries; attempt++ {
		if attempt > 0 {
			if delay > config.maxDelay {
				delay = config.maxDelay
			}
			if onRetry != nil {
				onRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * config.multiplier)
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("connect failed after %d attempts, last error: %w", config.maxRetries+1, lastErr)
}

// IsRetryableError reports whether a failure to open a connection is
// transient: the server is starting up or out of connection slots, or the
// network refused or dropped the session. Authentication, configuration and
// context errors are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		return isConnectionError(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return isConnectionError(err)
}

// RetryConnector retries transient failures of another Connector. The pool
// runs it under the create budget, so a create timeout also ends retrying.
type RetryConnector struct {
	connector Connector
	config    *retryConfig
	logger    Logger
}

var _ Connector = (*RetryConnector)(nil)

// NewRetryConnector wraps c. A nil c means PgxConnector.
func NewRetryConnector(c Connector, opts ...RetryOption) *RetryConnector {
	if c == nil {
		c = PgxConnector{}
	}
	return &RetryConnector{connector: c, config: newRetryConfig(opts), logger: NopLogger{}}
}

// Connect implements Connector. Each attempt gets its own copy of config.
func (r *RetryConnector) Connect(ctx context.Context, config *pgx.ConnConfig) (Backend, error) {
	var backend Backend
	onRetry := func(attempt int, err error, delay time.Duration) {
		r.logger.Log(ctx, LogLevelWarn, "retrying connection", map[string]interface{}{
			"attempt": attempt,
			"host":    config.Host,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}
	err := retryOperation(ctx, r.config, func(ctx context.Context) error {
		var err error
		backend, err = r.connector.Connect(ctx, config.Copy())
		return err
	}, onRetry)
	if err != nil {
		return nil, err
	}
	return backend, nil
}
