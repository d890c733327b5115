package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/applink/internal/logger"
)

const DefaultTimeout = 20 * time.Second

// GuardConfig bounds oracle calls.
type GuardConfig struct {
	Timeout time.Duration
	// RatePerMinute limits calls; zero means unlimited.
	RatePerMinute float64
}

// Guard wraps an oracle so that a call never blocks longer than the timeout, respects the
// provider rate limit and never fails outward with anything but a "different" judgment
// plus an error wrapping ErrTimeout or ErrOracle.
type Guard struct {
	inner   Oracle
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGuard(inner Oracle, cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	g := &Guard{inner: inner, timeout: cfg.Timeout, logger: logger}
	if cfg.RatePerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), 1)
	}
	return g
}

type result struct {
	judgment Judgment
	err      error
}

func (g *Guard) Confirm(ctx context.Context, q Query) (Judgment, error) {
	if g.inner == nil {
		return failed(fmt.Errorf("%w: no backend configured", ErrOracle))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(callCtx); err != nil {
			return g.fail(q, g.classify(callCtx, fmt.Errorf("rate limiter: %w", err)))
		}
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", ErrOracle, r)}
			}
		}()
		j, err := g.inner.Confirm(callCtx, q)
		done <- result{judgment: j, err: err}
	}()

	select {
	case <-callCtx.Done():
		return g.fail(q, g.classify(callCtx, callCtx.Err()))
	case res := <-done:
		if res.err != nil {
			return g.fail(q, g.classify(callCtx, res.err))
		}
		return normalizeJudgment(res.judgment), nil
	}
}

func (g *Guard) fail(q Query, err error) (Judgment, error) {
	g.logger.Warn("oracle call failed, treating as different",
		append(logger.EmailFields(q.Signal.EmailID, q.Candidate.EntityID), zap.Error(err))...,
	)
	return failed(err)
}

func (g *Guard) classify(callCtx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrOracle) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, g.timeout, err)
	}
	return fmt.Errorf("%w: %v", ErrOracle, err)
}

func failed(err error) (Judgment, error) {
	return Judgment{Same: false, Category: CategoryError, Rationale: err.Error()}, err
}

func normalizeJudgment(j Judgment) Judgment {
	if j.Category == "" {
		if j.Same {
			j.Category = CategorySame
		} else {
			j.Category = CategoryUncertain
		}
	}
	j.Category = ParseCategory(string(j.Category))
	return j
}
