package cache_query

import (
	"fmt"
	"strings"
	"sync"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/google/cel-go/cel"
)

// objectVar is the CEL variable holding the manifest.
const objectVar = "object"

var (
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

func environment() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			// optional chaining, e.g. object.?status.?state.orValue("")
			cel.OptionalTypes(),
			cel.Variable(objectVar, cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// Expression is a compiled CEL predicate over a manifest, e.g.
//
//	object.status.state == "Running" && object.spec.hibernated == false
type Expression struct {
	source  string
	program cel.Program
}

// CompileExpression parses and type checks src. The expression must yield a bool.
func CompileExpression(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q yields %s, not bool", src, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &Expression{source: src, program: program}, nil
}

func (e *Expression) String() string {
	return e.source
}

// Matches evaluates the expression against m. A missing field is reported
// as an error so that callers can tell it apart from false.
func (e *Expression) Matches(m k8s_cache.Manifest) (bool, error) {
	out, _, err := e.program.Eval(map[string]interface{}{objectVar: map[string]interface{}(m)})
	if err != nil {
		return false, fmt.Errorf("%s: %w", categorizeEvalError(err), err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("type mismatch: expression %q yielded %s", e.source, out.Type().TypeName())
	}
	return matched, nil
}

func categorizeEvalError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such key"):
		return "field not found"
	case strings.Contains(msg, "no such attribute"):
		return "attribute not found"
	case strings.Contains(msg, "no such overload"), strings.Contains(msg, "type"):
		return "type mismatch"
	default:
		return "evaluation failed"
	}
}
