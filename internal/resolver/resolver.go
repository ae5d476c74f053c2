// Package resolver picks a flag's record from the configured sources and
// runs it through the evaluator chain.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/source"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Resolver returns the record for key. It never fails: missing flags and
// misbehaving sources degrade to a disabled default.
type Resolver interface {
	Resolve(ctx context.Context, key string) domain.FlagRecord
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, key string) domain.FlagRecord

func (f ResolverFunc) Resolve(ctx context.Context, key string) domain.FlagRecord {
	return f(ctx, key)
}

// BatchResolver is implemented by resolvers with a multi-key path.
type BatchResolver interface {
	ResolveAll(ctx context.Context, keys []string) map[string]domain.FlagRecord
}

// Invalidator is implemented by resolvers that hold cached results.
type Invalidator interface {
	Invalidate(key string)
	InvalidateAll()
}

// Option configures a SourceResolver.
type Option func(*SourceResolver)

func WithEvaluator(e evaluator.Evaluator) Option {
	return func(r *SourceResolver) {
		if e != nil {
			r.evaluator = e
		}
	}
}

// WithContext sets the targeting context used by Resolve.
func WithContext(c domain.Context) Option {
	return func(r *SourceResolver) { r.evalCtx = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *SourceResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithTelemetry(p telemetry.Provider) Option {
	return func(r *SourceResolver) {
		if p != nil {
			r.telemetry = p
		}
	}
}

// SourceResolver scans sources from highest to lowest priority and returns
// the first record found. Sources with equal priority keep the order in
// which they were passed.
type SourceResolver struct {
	sources   []source.Source
	evaluator evaluator.Evaluator
	evalCtx   domain.Context
	logger    *zap.Logger
	telemetry telemetry.Provider
}

// NewSourceResolver fails with a ValidationError when sources is empty or
// contains nil.
func NewSourceResolver(sources []source.Source, opts ...Option) (*SourceResolver, error) {
	if len(sources) == 0 {
		return nil, domain.NewValidationError("at least one source is required")
	}
	if slices.Contains(sources, nil) {
		return nil, domain.NewValidationError("sources cannot contain nil")
	}

	sorted := slices.Clone(sources)
	slices.SortStableFunc(sorted, func(a, b source.Source) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})

	r := &SourceResolver{
		sources:   sorted,
		evaluator: evaluator.Identity,
		logger:    zap.NewNop(),
		telemetry: telemetry.NewNoOp(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Sources returns the sources in scan order.
func (r *SourceResolver) Sources() []source.Source {
	return slices.Clone(r.sources)
}

// Context returns the targeting context used by Resolve.
func (r *SourceResolver) Context() domain.Context {
	return r.evalCtx
}

func (r *SourceResolver) Resolve(ctx context.Context, key string) domain.FlagRecord {
	return r.ResolveFor(ctx, key, r.evalCtx)
}

// ResolveFor resolves key against an explicit targeting context.
func (r *SourceResolver) ResolveFor(ctx context.Context, key string, evalCtx domain.Context) domain.FlagRecord {
	start := time.Now()

	record := r.scan(ctx, key)
	result := r.evaluate(record, evalCtx)

	r.telemetry.RecordEvaluation(ctx, key, result.Source(), time.Since(start))
	return result
}

// ResolveAll resolves each key independently. Sources expose no multi-key
// read, so this is the batch path the caching layer delegates to.
func (r *SourceResolver) ResolveAll(ctx context.Context, keys []string) map[string]domain.FlagRecord {
	out := make(map[string]domain.FlagRecord, len(keys))
	for _, key := range keys {
		if _, done := out[key]; done {
			continue
		}
		out[key] = r.Resolve(ctx, key)
	}
	return out
}

func (r *SourceResolver) scan(ctx context.Context, key string) domain.FlagRecord {
	for _, src := range r.sources {
		record, err := r.get(ctx, src, key)
		if err != nil {
			r.logger.Warn("source lookup failed",
				zap.String("source", src.Name()),
				zap.String("flag.key", key),
				zap.Error(err),
			)
			r.telemetry.RecordSourceError(ctx, src.Name(), "get")
			continue
		}
		if record != nil && !record.IsZero() {
			return *record
		}
	}
	return domain.DefaultRecord(key)
}

func (r *SourceResolver) get(ctx context.Context, src source.Source, key string) (record *domain.FlagRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			record = nil
			err = domain.NewSourceError(src.Name(), "get", fmt.Errorf("panic: %v", p))
		}
	}()

	record, err = src.Get(ctx, key)
	if err != nil && !domain.IsSourceError(err) {
		err = domain.NewSourceError(src.Name(), "get", err)
	}
	return record, err
}

func (r *SourceResolver) evaluate(record domain.FlagRecord, evalCtx domain.Context) domain.FlagRecord {
	out, err := r.runEvaluator(record, evalCtx)
	if err != nil {
		r.logger.Warn("evaluator failed, keeping source record",
			zap.String("flag.key", record.Key()),
			zap.String("source", record.Source()),
			zap.Error(err),
		)
		return record
	}
	return out
}

var errEmptyRecord = errors.New("evaluator returned an empty record")

func (r *SourceResolver) runEvaluator(record domain.FlagRecord, evalCtx domain.Context) (out domain.FlagRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.NewEvaluatorError(record.Key(), fmt.Errorf("panic: %v", p))
		}
	}()

	out, err = r.evaluator.Evaluate(record, evalCtx)
	if err == nil && out.IsZero() {
		err = errEmptyRecord
	}
	if err != nil && !domain.IsEvaluatorError(err) {
		err = domain.NewEvaluatorError(record.Key(), err)
	}
	return out, err
}
