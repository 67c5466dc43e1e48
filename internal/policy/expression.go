package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Expression matches when a CEL boolean expression over amount, currency,
// features, risk_score and has_model_score evaluates to true.
type Expression struct {
	ID     string
	Source string
	Result Outcome

	program cel.Program
}

func (t *Expression) TierID() string { return t.ID }
func (t *Expression) Kind() TierKind { return TierExpression }
func (t *Expression) Outcome() Outcome { return t.Result }

func (t *Expression) Match(in Input) (bool, error) {
	feats := in.Features
	if feats == nil {
		feats = map[string]any{}
	}
	out, _, err := t.program.Eval(map[string]any{
		"amount":          in.Amount,
		"currency":        in.Currency,
		"features":        feats,
		"risk_score":      in.ModelScore,
		"has_model_score": in.HasModelScore,
	})
	if err != nil {
		return false, fmt.Errorf("tier %s: evaluate: %w", t.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("tier %s: expression returned %T, want bool", t.ID, out.Value())
	}
	return matched, nil
}

func compileExpression(id string, source string, result Outcome) (*Expression, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("has_model_score", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("tier %s: cel environment: %w", id, err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("tier %s: compile: %w", id, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("tier %s: program: %w", id, err)
	}
	return &Expression{ID: id, Source: source, Result: result, program: program}, nil
}
