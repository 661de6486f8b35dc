package auth

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv is built once; it exposes upstream.name, upstream.tags, and
// principal.projectId to a project's extraAllowRule expression.
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("upstream", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
	)
})

// programCache memoizes compiled CEL programs per rule text so that a rule
// shared by many calls (the common case: one rule per project) is compiled
// exactly once.
var programCache sync.Map // map[string]cel.Program

// EvaluateExtraAllowRule compiles (or reuses a cached compilation of) rule
// and evaluates it against the principal/upstream activation. A compile or
// evaluation error, or a non-boolean result, is reported as an error so the
// caller can fail closed.
func EvaluateExtraAllowRule(rule string, p *Principal, up UpstreamView) (bool, error) {
	prg, err := compiledProgram(rule)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"upstream": map[string]any{
			"name": up.Name,
			"tags": up.Tags,
		},
		"principal": map[string]any{
			"projectId": p.ProjectID,
		},
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("extraAllowRule evaluation: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("extraAllowRule did not evaluate to a boolean")
	}
	return b, nil
}

func compiledProgram(rule string) (cel.Program, error) {
	if cached, ok := programCache.Load(rule); ok {
		return cached.(cel.Program), nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("building CEL env: %w", err)
	}

	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling extraAllowRule: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building extraAllowRule program: %w", err)
	}

	actual, _ := programCache.LoadOrStore(rule, prg)
	return actual.(cel.Program), nil
}
