package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/source"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Refresh refreshes every source concurrently, each under its own timeout
// and circuit breaker, and waits for all of them. The cache is invalidated
// before the fan-out and again after the join, so nothing cached while a
// source was mid-refresh survives it.
//
// Partial failure is logged and reported as success. Only when every source
// fails does Refresh return an *domain.AggregateRefreshError. After Close it
// returns domain.ErrDisposed.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.disposed() {
		return domain.ErrDisposed
	}

	ctx, span := e.telemetry.StartSpan(ctx, "pennant.refresh",
		telemetry.WithAttributes(telemetry.Int("sources", len(e.sources))))
	defer span.End()

	e.invalidateAll()

	errs := make([]error, len(e.sources))
	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			errs[i] = e.refreshSource(ctx, i, src)
			return nil
		})
	}
	_ = g.Wait()

	e.invalidateAll()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}

	var result error
	if len(failed) == len(e.sources) {
		result = domain.NewAggregateRefreshError(failed)
		span.RecordError(result)
		e.logger.Error("all sources failed to refresh", zap.Error(result))
	} else if len(failed) > 0 {
		span.AddEvent("partial_refresh_failure", telemetry.Int("failed", len(failed)))
	}

	e.mu.Lock()
	e.refreshes++
	e.lastRefresh = time.Now()
	e.lastRefreshErr = result
	e.mu.Unlock()

	return result
}

func (e *Engine) refreshSource(ctx context.Context, i int, src source.Source) error {
	start := time.Now()

	err := e.breakers[i].Call(ctx, func(ctx context.Context) error {
		return e.callRefresh(ctx, src)
	})

	e.telemetry.RecordRefresh(ctx, src.Name(), err == nil, time.Since(start))
	if err == nil {
		return nil
	}

	if !domain.IsSourceError(err) {
		err = domain.NewSourceError(src.Name(), "refresh", err)
	}
	e.telemetry.RecordSourceError(ctx, src.Name(), "refresh")
	e.logger.Warn("source refresh failed",
		zap.String("source", src.Name()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// callRefresh bounds src.Refresh by the refresh timeout. A source that
// ignores cancellation is abandoned when the timeout fires; its goroutine
// finishes on its own.
func (e *Engine) callRefresh(ctx context.Context, src source.Source) error {
	ctx, cancel := context.WithTimeout(ctx, e.refreshTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("refresh panicked: %v", p)
			}
		}()
		done <- src.Refresh(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("refresh did not finish within %s: %w", e.refreshTimeout, ctx.Err())
	}
}

func (e *Engine) refreshLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("background refresh failed", zap.Error(err))
			}
		}
	}
}
