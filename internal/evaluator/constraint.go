package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// Operator represents constraint operators
type Operator string

const (
	OperatorEQ       Operator = "EQ"
	OperatorNEQ      Operator = "NEQ"
	OperatorLT       Operator = "LT"
	OperatorLTE      Operator = "LTE"
	OperatorGT       Operator = "GT"
	OperatorGTE      Operator = "GTE"
	OperatorIN       Operator = "IN"
	OperatorNOTIN    Operator = "NOTIN"
	OperatorMATCHES  Operator = "MATCHES"
	OperatorCONTAINS Operator = "CONTAINS"
)

// Constraint compares one context property against Value.
//
// Property names userId, country, language, appVersion and deviceId read the
// fixed Context fields; any other name reads a custom attribute. A missing
// property never matches.
type Constraint struct {
	Property string
	Operator Operator
	Value    any
}

type compiledConstraint struct {
	Constraint
	pattern *vm.Program
}

// Match builds a predicate that holds when every constraint matches the
// context. An empty list always matches. Regular expressions are compiled
// here, so a bad pattern or unknown operator fails at construction.
func Match(constraints ...Constraint) (Predicate, error) {
	compiled := make([]compiledConstraint, len(constraints))
	for i, c := range constraints {
		cc, err := compileConstraint(c)
		if err != nil {
			return nil, domain.NewValidationErrorWithCause(fmt.Sprintf("constraint on %q", c.Property), err)
		}
		compiled[i] = cc
	}

	return func(_ domain.FlagRecord, ctx domain.Context) (bool, error) {
		for _, c := range compiled {
			matched, err := c.match(ctx)
			if err != nil || !matched {
				return false, err
			}
		}
		return true, nil
	}, nil
}

func compileConstraint(c Constraint) (compiledConstraint, error) {
	cc := compiledConstraint{Constraint: c}

	switch c.Operator {
	case OperatorEQ, OperatorNEQ, OperatorLT, OperatorLTE, OperatorGT, OperatorGTE,
		OperatorIN, OperatorNOTIN, OperatorCONTAINS:
		return cc, nil

	case OperatorMATCHES:
		pattern, ok := c.Value.(string)
		if !ok {
			return cc, fmt.Errorf("MATCHES needs a string pattern, got %T", c.Value)
		}
		program, err := expr.Compile("value matches "+strconv.Quote(pattern),
			expr.Env(map[string]any{"value": ""}), expr.AsBool())
		if err != nil {
			return cc, fmt.Errorf("failed to compile regex expression: %w", err)
		}
		cc.pattern = program
		return cc, nil

	default:
		return cc, fmt.Errorf("unsupported operator: %s", c.Operator)
	}
}

func (c compiledConstraint) match(ctx domain.Context) (bool, error) {
	value, ok := property(ctx, c.Property)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OperatorEQ:
		return equals(value, c.Value), nil
	case OperatorNEQ:
		return !equals(value, c.Value), nil
	case OperatorIN:
		return in(value, c.Value), nil
	case OperatorNOTIN:
		return !in(value, c.Value), nil
	case OperatorCONTAINS:
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(c.Value)), nil
	case OperatorLT:
		return compare(value, c.Value, func(a, b float64) bool { return a < b }), nil
	case OperatorLTE:
		return compare(value, c.Value, func(a, b float64) bool { return a <= b }), nil
	case OperatorGT:
		return compare(value, c.Value, func(a, b float64) bool { return a > b }), nil
	case OperatorGTE:
		return compare(value, c.Value, func(a, b float64) bool { return a >= b }), nil
	case OperatorMATCHES:
		result, err := expr.Run(c.pattern, map[string]any{"value": fmt.Sprint(value)})
		if err != nil {
			return false, fmt.Errorf("failed to evaluate regex: %w", err)
		}
		return result.(bool), nil
	}
	return false, nil
}

func property(ctx domain.Context, name string) (any, bool) {
	var field string
	switch name {
	case "userId":
		field = ctx.UserID
	case "country":
		field = ctx.Country
	case "language":
		field = ctx.Language
	case "appVersion":
		field = ctx.AppVersion
	case "deviceId":
		field = ctx.DeviceID
	default:
		attr, ok := ctx.Attribute(name)
		if !ok {
			return nil, false
		}
		return attr.Native(), true
	}
	return field, field != ""
}

func equals(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func in(value any, list any) bool {
	switch items := list.(type) {
	case []string:
		for _, item := range items {
			if equals(value, item) {
				return true
			}
		}
	case []any:
		for _, item := range items {
			if equals(value, item) {
				return true
			}
		}
	}
	return false
}

func compare(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

// toFloat64 converts the numeric attribute kinds and numeric strings.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
