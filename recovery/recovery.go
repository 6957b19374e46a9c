// Package recovery is a reusable retry / circuit-breaker utility. It is
// independent of any endpoint: callers pick an operation key, and the
// service tracks per-key failure streaks, opens circuits, and bounds retry
// backoff. It also keeps a bounded error log with sanitized messages for
// anything that ends up user-visible.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/himo777777/Rehabflow-sub009/utils"
)

type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration

	CircuitBreakerThreshold int
	CircuitResetTimeout     time.Duration

	ErrorLogLimit int
}

func (c *Config) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitResetTimeout == 0 {
		c.CircuitResetTimeout = 30 * time.Second
	}
	if c.ErrorLogLimit == 0 {
		c.ErrorLogLimit = 200
	}
}

type Service struct {
	cfg      Config
	log      utils.Logger
	circuits *xsync.MapOf[string, *circuit]
	errlog   *errorLog

	// seams for tests; wall clock and real sleeping otherwise
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(cfg Config, log utils.Logger) *Service {
	cfg.SetDefaults()
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		circuits: xsync.NewMapOf[string, *circuit](),
		errlog:   newErrorLog(cfg.ErrorLogLimit),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable reports whether an error is worth another attempt. Errors may
// opt out by implementing Retryable() (validation and auth failures do);
// everything else is assumed transient.
type retryableErr interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r retryableErr
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// WithRetry runs op with exponential backoff, up to MaxRetries retries after
// the first attempt. The key's circuit is consulted before every attempt; an
// open circuit fails the call immediately with *CircuitOpenError and op is
// not invoked. Non-retryable errors abort without consuming retry budget.
func (s *Service) WithRetry(ctx context.Context, key string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = s.cfg.BackoffMultiplier
	bo.MaxInterval = s.cfg.MaxRetryDelay
	bo.Reset()

	var last error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if delay > s.cfg.MaxRetryDelay {
				delay = s.cfg.MaxRetryDelay
			}
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := s.checkCircuit(key); err != nil {
			s.log.Warn("call rejected, circuit open", "key", key)
			return err
		}
		err := op(ctx)
		if err == nil {
			s.recordSuccess(key)
			return nil
		}
		s.recordFailure(key, err)
		last = err
		if !isRetryable(err) {
			return err
		}
		if attempt >= s.cfg.MaxRetries {
			break
		}
	}
	s.log.Error("retries exhausted", "key", key, "retries", s.cfg.MaxRetries, "err", last)
	return last
}

// Retry is the result-carrying form of Service.WithRetry.
func Retry[T any](ctx context.Context, s *Service, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.WithRetry(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

// WithFallback runs op once and swallows any error after logging it.
func (s *Service) WithFallback(ctx context.Context, key string, op func(ctx context.Context) error) {
	if err := op(ctx); err != nil {
		s.logError(key, err)
		s.log.Warn("operation failed, continuing with fallback", "key", key, "err", err)
	}
}

// Fallback runs op once and returns fallback on any error. The error is
// logged, never propagated.
func Fallback[T any](ctx context.Context, s *Service, key string, op func(ctx context.Context) (T, error), fallback T) T {
	out, err := op(ctx)
	if err != nil {
		s.logError(key, err)
		s.log.Warn("operation failed, using fallback value", "key", key, "err", err)
		return fallback
	}
	return out
}
