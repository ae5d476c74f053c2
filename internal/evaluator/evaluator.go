// Package evaluator holds the targeting rules applied to a record after a
// source has supplied it. Evaluators must be pure and safe to call
// concurrently; a returned error makes the resolver keep the record it had
// before evaluation.
package evaluator

import (
	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// Evaluator transforms a resolved record for the given targeting context.
type Evaluator interface {
	Evaluate(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error)
}

// Func adapts a plain function to Evaluator.
type Func func(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error)

func (f Func) Evaluate(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error) {
	return f(record, ctx)
}

type identity struct{}

func (identity) Evaluate(record domain.FlagRecord, _ domain.Context) (domain.FlagRecord, error) {
	return record, nil
}

// Identity returns every record unchanged.
var Identity Evaluator = identity{}

type chain []Evaluator

func (c chain) Evaluate(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error) {
	var err error
	for _, e := range c {
		record, err = e.Evaluate(record, ctx)
		if err != nil {
			return domain.FlagRecord{}, err
		}
	}
	return record, nil
}

// Chain applies evaluators in order, each receiving the previous output.
// Nil entries are dropped; an empty chain is Identity and a single evaluator
// is returned as is. Nested chains are flattened.
func Chain(evaluators ...Evaluator) Evaluator {
	flat := make(chain, 0, len(evaluators))
	for _, e := range evaluators {
		switch v := e.(type) {
		case nil:
		case identity:
		case chain:
			flat = append(flat, v...)
		default:
			flat = append(flat, e)
		}
	}

	switch len(flat) {
	case 0:
		return Identity
	case 1:
		return flat[0]
	default:
		return flat
	}
}

// Predicate decides whether a conditional evaluator applies.
type Predicate func(record domain.FlagRecord, ctx domain.Context) (bool, error)

type conditional struct {
	predicate Predicate
	inner     Evaluator
}

func (c conditional) Evaluate(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error) {
	ok, err := c.predicate(record, ctx)
	if err != nil {
		return domain.FlagRecord{}, err
	}
	if !ok {
		return record, nil
	}
	return c.inner.Evaluate(record, ctx)
}

// When applies inner only to records for which predicate holds. Other
// records pass through unchanged.
func When(predicate Predicate, inner Evaluator) Evaluator {
	return conditional{predicate: predicate, inner: inner}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(record domain.FlagRecord, ctx domain.Context) (bool, error) {
		ok, err := p(record, ctx)
		return !ok && err == nil, err
	}
}

// Disable forces a record off.
var Disable Evaluator = Func(func(record domain.FlagRecord, _ domain.Context) (domain.FlagRecord, error) {
	return record.WithEnabled(false), nil
})

// Enable forces a record on.
var Enable Evaluator = Func(func(record domain.FlagRecord, _ domain.Context) (domain.FlagRecord, error) {
	return record.WithEnabled(true), nil
})
