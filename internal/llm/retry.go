package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying retries transient provider failures with exponential backoff.
// Non-transient errors and context cancellation return immediately.
type Retrying struct {
	next   Provider
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetrying(next Provider, cfg RetryConfig, logger *zap.Logger) Provider {
	if cfg.MaxRetries <= 0 {
		return next
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) GenerateText(ctx context.Context, req Request) (string, error) {
	var out string
	err := r.do(ctx, "text", func() error {
		var err error
		out, err = r.next.GenerateText(ctx, req)
		return err
	})
	return out, err
}

func (r *Retrying) GenerateObject(ctx context.Context, req Request, schema ObjectSchema) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.do(ctx, "object", func() error {
		var err error
		out, err = r.next.GenerateObject(ctx, req, schema)
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op string, call func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := call()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("transient generation failure, retrying",
			zap.String("provider", r.next.Name()),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}
