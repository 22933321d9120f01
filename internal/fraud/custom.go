package fraud

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/openpromo/kestrel/internal/domain"
)

// celEvaluator compiles and caches the CEL programs behind CUSTOM rules.
// A rule's config carries the expression under the "expression" key; it is
// evaluated against the event context and must yield a boolean.
type celEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("entity_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (c *celEvaluator) program(ruleID string, expression string) (cel.Program, error) {
	key := ruleID + "\x00" + expression

	c.mu.RLock()
	prg, ok := c.programs[key]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}

	c.mu.Lock()
	c.programs[key] = prg
	c.mu.Unlock()
	return prg, nil
}

// evaluate runs the rule's expression. A rule without an expression
// resolves to no match.
func (c *celEvaluator) evaluate(rule *domain.FraudRule, ev *domain.FraudEvent) (bool, map[string]any, error) {
	expression, ok := rule.Config["expression"].(string)
	if !ok || expression == "" {
		return false, nil, nil
	}

	prg, err := c.program(rule.ID, expression)
	if err != nil {
		return false, nil, err
	}

	evCtx := ev.Context
	if evCtx == nil {
		evCtx = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"ctx":         evCtx,
		"entity_id":   ev.EntityID,
		"entity_type": ev.EntityType,
	})
	if err != nil {
		return false, nil, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, nil, fmt.Errorf("expression must yield a boolean, got %s", out.Type().TypeName())
	}
	if !bool(b) {
		return false, nil, nil
	}
	return true, map[string]any{"expression": expression}, nil
}
