package consistency

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// IgnoreRules marks differences as benign. Each rule is a CEL
// expression over the variables `field` (the dotted path of the
// difference), `primary` and `secondary` (the two values). A rule that
// evaluates to true suppresses the difference.
//
// Example: `field == "data.last_seen_at"` or
// `field.startsWith("data.cache.") && primary == null`.
type IgnoreRules struct {
	exprs    []string
	programs []cel.Program
}

// CompileIgnoreRules compiles rule expressions. An empty slice yields
// rules that never match.
func CompileIgnoreRules(exprs []string) (*IgnoreRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("field", cel.StringType),
		cel.Variable("primary", cel.DynType),
		cel.Variable("secondary", cel.DynType),
	)
	if err != nil {
		return nil, err
	}

	rules := &IgnoreRules{exprs: exprs}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile ignore rule %q: %w", expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build ignore rule %q: %w", expr, err)
		}
		rules.programs = append(rules.programs, prg)
	}
	return rules, nil
}

// Benign reports whether any rule suppresses the difference. A rule
// that errors or returns a non-boolean counts as not matching; a broken
// rule must never hide a real divergence.
func (r *IgnoreRules) Benign(field string, primary, secondary any) bool {
	if r == nil {
		return false
	}
	input := map[string]any{
		"field":     field,
		"primary":   primary,
		"secondary": secondary,
	}
	for _, prg := range r.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			return true
		}
	}
	return false
}
