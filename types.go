package pennant

import (
	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/engine"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/observe"
	"github.com/OrlandoBitencourt/pennant/internal/source"
)

// FlagRecord is the resolved state of one flag.
type FlagRecord = domain.FlagRecord

// Context holds the targeting attributes evaluators read.
type Context = domain.Context

// Typed context attribute values.
type (
	AttributeValue = domain.AttributeValue
	StringValue    = domain.StringValue
	DoubleValue    = domain.DoubleValue
	IntValue       = domain.IntValue
	ShortValue     = domain.ShortValue
	LongValue      = domain.LongValue
	BoolValue      = domain.BoolValue
)

// Source is a provider of flag records. Implement it to plug in a custom
// backend.
type Source = source.Source

type (
	SourceOption = source.Option
	MemorySource = source.MemorySource
	TextSource   = source.TextSource
	Loader       = source.Loader
)

type (
	Evaluator  = evaluator.Evaluator
	Predicate  = evaluator.Predicate
	Constraint = evaluator.Constraint
	Operator   = evaluator.Operator
)

type (
	ChangeEvent  = observe.ChangeEvent
	FlagValue    = observe.FlagValue
	Subscription = observe.Subscription
	Registration = observe.Registration
	Dispatcher   = observe.Dispatcher
)

// Stats is a point-in-time view of the client's engine.
type Stats = engine.Stats

// Source tags on records that did not come from a source.
const (
	SourceDefault  = domain.SourceDefault
	SourceDisposed = domain.SourceDisposed
)

const (
	OperatorEQ       = evaluator.OperatorEQ
	OperatorNEQ      = evaluator.OperatorNEQ
	OperatorLT       = evaluator.OperatorLT
	OperatorLTE      = evaluator.OperatorLTE
	OperatorGT       = evaluator.OperatorGT
	OperatorGTE      = evaluator.OperatorGTE
	OperatorIN       = evaluator.OperatorIN
	OperatorNOTIN    = evaluator.OperatorNOTIN
	OperatorMATCHES  = evaluator.OperatorMATCHES
	OperatorCONTAINS = evaluator.OperatorCONTAINS
)

// RolloutMetadataKey is the metadata entry read by the percentage rollout.
const RolloutMetadataKey = evaluator.RolloutMetadataKey

var (
	NewContext    = domain.NewContext
	NewFlagRecord = domain.NewFlagRecord

	NewMemorySource    = source.NewMemory
	NewTextSource      = source.NewText
	WithSourceName     = source.WithName
	WithSourcePriority = source.WithPriority
	FromString         = source.FromString
	FromFile           = source.FromFile
	FromReader         = source.FromReader

	Chain   = evaluator.Chain
	When    = evaluator.When
	Not     = evaluator.Not
	Match   = evaluator.Match
	Expr    = evaluator.Expr
	Enable  = evaluator.Enable
	Disable = evaluator.Disable

	// Inline runs change notifications on the goroutine that committed
	// the change.
	Inline = observe.Inline
)
