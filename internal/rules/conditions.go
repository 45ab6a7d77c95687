package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/beefsync/costengine/internal/domain"
)

// conditionExpressions binds every inclusion condition to the CEL
// expression that decides it. Adding a condition means adding the
// domain constant and its expression here; NewConditionSet refuses to
// build while either side is missing.
var conditionExpressions = map[domain.Condition]string{
	domain.ConditionIVFOnly:        "is_ivf_origin",
	domain.ConditionIVFOrSurrogate: "is_ivf_origin || has_surrogate_dam",
	domain.ConditionAgeZeroToSeven: "age_months <= 7",
}

// ConditionSet holds one compiled program per inclusion condition.
// Programs are stateless, so a ConditionSet is safe for concurrent use.
type ConditionSet struct {
	programs map[domain.Condition]cel.Program
}

// NewConditionSet compiles the expression of every known condition.
func NewConditionSet() (*ConditionSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("age_months", cel.IntType),
		cel.Variable("is_ivf_origin", cel.BoolType),
		cel.Variable("has_surrogate_dam", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs := make(map[domain.Condition]cel.Program, len(conditionExpressions))
	for _, cond := range domain.Conditions() {
		expr, ok := conditionExpressions[cond]
		if !ok {
			return nil, fmt.Errorf("condition %s has no expression", cond)
		}
		prg, err := compileCondition(env, cond, expr)
		if err != nil {
			return nil, err
		}
		programs[cond] = prg
	}

	return &ConditionSet{programs: programs}, nil
}

func compileCondition(env *cel.Env, cond domain.Condition, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition %s: %w", cond, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %s: expression must return bool, got %s", cond, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for condition %s: %w", cond, err)
	}
	return prg, nil
}

// Evaluate decides whether an item guarded by cond applies to animal.
// The unconditional marker always applies.
func (s *ConditionSet) Evaluate(cond domain.Condition, animal domain.AnimalSnapshot) (bool, error) {
	if cond == domain.ConditionNone {
		return true, nil
	}
	prg, ok := s.programs[cond]
	if !ok {
		return false, fmt.Errorf("%w: unknown condition %q", domain.ErrInvalidInput, cond)
	}

	out, _, err := prg.Eval(map[string]any{
		"age_months":        int64(animal.AgeMonths),
		"is_ivf_origin":     animal.IsIVFOrigin,
		"has_surrogate_dam": animal.HasSurrogateDam,
	})
	if err != nil {
		return false, fmt.Errorf("condition %s: evaluation error: %w", cond, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition %s: expected bool result, got %v", cond, out.Type())
	}
	return bool(b), nil
}

// Expression returns the CEL source of a condition, for display.
func Expression(cond domain.Condition) (string, bool) {
	expr, ok := conditionExpressions[cond]
	return expr, ok
}
