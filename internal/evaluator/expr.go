package evaluator

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// exprEnv is the environment visible to predicate expressions, e.g.
//
//	enabled && country in ["BR", "PT"] && attributes.plan == "pro"
type exprEnv struct {
	Key        string            `expr:"key"`
	Enabled    bool              `expr:"enabled"`
	Source     string            `expr:"source"`
	Metadata   map[string]string `expr:"metadata"`
	UserID     string            `expr:"userId"`
	Country    string            `expr:"country"`
	Language   string            `expr:"language"`
	AppVersion string            `expr:"appVersion"`
	DeviceID   string            `expr:"deviceId"`
	Attributes map[string]any    `expr:"attributes"`
}

func newExprEnv(record domain.FlagRecord, ctx domain.Context) exprEnv {
	return exprEnv{
		Key:        record.Key(),
		Enabled:    record.Enabled(),
		Source:     record.Source(),
		Metadata:   record.Metadata(),
		UserID:     ctx.UserID,
		Country:    ctx.Country,
		Language:   ctx.Language,
		AppVersion: ctx.AppVersion,
		DeviceID:   ctx.DeviceID,
		Attributes: ctx.NativeAttributes(),
	}
}

// Expr compiles a boolean expression over the record and context into a
// Predicate. Compilation errors are returned here, not at evaluation time.
func Expr(source string) (Predicate, error) {
	program, err := expr.Compile(source, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, domain.NewValidationErrorWithCause(fmt.Sprintf("invalid predicate expression %q", source), err)
	}
	return exprPredicate(program), nil
}

// MustExpr is Expr for expressions known at compile time.
func MustExpr(source string) Predicate {
	p, err := Expr(source)
	if err != nil {
		panic(err)
	}
	return p
}

func exprPredicate(program *vm.Program) Predicate {
	return func(record domain.FlagRecord, ctx domain.Context) (bool, error) {
		out, err := expr.Run(program, newExprEnv(record, ctx))
		if err != nil {
			return false, err
		}
		return out.(bool), nil
	}
}
