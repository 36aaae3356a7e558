package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/dop251/goja"
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	celgo "github.com/google/cel-go/cel"
)

// Evaluator computes one indexed value from a document body. Top-level
// properties are exposed as variables; the whole body is also available as
// `doc`.
type Evaluator interface {
	Evaluate(props core.Properties) (any, error)
	Expression() string
}

// NewEvaluator compiles expression in lang.
func NewEvaluator(lang Language, expression string) (Evaluator, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, core.Errorf(core.CodeInvalidParameter, "expression must not be empty")
	}
	var (
		ev  Evaluator
		err error
	)
	switch lang {
	case LanguageExpr, "":
		ev, err = newExprEvaluator(expression)
	case LanguageCEL:
		ev, err = newCELEvaluator(expression)
	case LanguageJavaScript:
		ev, err = newJSEvaluator(expression)
	default:
		return nil, core.Errorf(core.CodeInvalidParameter, "unknown expression language %q", lang)
	}
	if err != nil {
		return nil, core.Errorf(core.CodeInvalidParameter, "invalid %s expression %q: %v", lang, expression, err)
	}
	return ev, nil
}

func environment(props core.Properties) map[string]any {
	env := make(map[string]any, len(props)+1)
	for key, value := range props {
		env[key] = value
	}
	env["doc"] = map[string]any(props)
	return env
}

// exprEvaluator executes expressions using github.com/expr-lang/expr.
type exprEvaluator struct {
	expression string
	program    *exprvm.Program
}

func newExprEvaluator(expression string) (*exprEvaluator, error) {
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	return &exprEvaluator{expression: expression, program: program}, nil
}

func (e *exprEvaluator) Expression() string { return e.expression }

func (e *exprEvaluator) Evaluate(props core.Properties) (any, error) {
	result, err := exprlang.Run(e.program, environment(props))
	if err != nil {
		return nil, fmt.Errorf("expr %q: %w", e.expression, err)
	}
	return result, nil
}

// celEvaluator executes expressions using cel-go. CEL checks variables at
// compile time, so programs are compiled per distinct set of top-level keys
// and cached.
type celEvaluator struct {
	expression string

	mu       sync.Mutex
	programs map[string]celgo.Program
}

func newCELEvaluator(expression string) (*celEvaluator, error) {
	e := &celEvaluator{expression: expression, programs: map[string]celgo.Program{}}
	// Compile once against `doc` alone to surface syntax errors early.
	env, err := celgo.NewEnv(celgo.Variable("doc", celgo.DynType))
	if err != nil {
		return nil, err
	}
	if _, issues := env.Parse(expression); issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return e, nil
}

func (e *celEvaluator) Expression() string { return e.expression }

func (e *celEvaluator) program(props core.Properties) (celgo.Program, error) {
	keys := make([]string, 0, len(props))
	for key := range props {
		if key != "doc" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	cacheKey := strings.Join(keys, "\x00")

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[cacheKey]; ok {
		return prg, nil
	}

	opts := []celgo.EnvOption{celgo.Variable("doc", celgo.DynType)}
	for _, key := range keys {
		opts = append(opts, celgo.Variable(key, celgo.DynType))
	}
	env, err := celgo.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Parse(e.expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	e.programs[cacheKey] = prg
	return prg, nil
}

// Evaluate returns nil when the expression refers to properties the body does
// not have, mirroring how the other languages treat undefined variables.
func (e *celEvaluator) Evaluate(props core.Properties) (any, error) {
	prg, err := e.program(props)
	if err != nil {
		if strings.Contains(err.Error(), "undeclared reference") {
			return nil, nil
		}
		return nil, fmt.Errorf("cel %q: %w", e.expression, err)
	}
	out, _, err := prg.Eval(environment(props))
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, fmt.Errorf("cel %q: %w", e.expression, err)
	}
	return out.Value(), nil
}

// jsEvaluator executes expressions using goja. A goja.Runtime is not safe for
// concurrent use, so each evaluation gets a fresh one.
type jsEvaluator struct {
	expression string
	program    *goja.Program
}

func newJSEvaluator(expression string) (*jsEvaluator, error) {
	program, err := goja.Compile("", wrapExpression(expression), false)
	if err != nil {
		return nil, err
	}
	return &jsEvaluator{expression: expression, program: program}, nil
}

func wrapExpression(expression string) string {
	return fmt.Sprintf("(function(){ return (%s); })()", expression)
}

func (e *jsEvaluator) Expression() string { return e.expression }

func (e *jsEvaluator) Evaluate(props core.Properties) (any, error) {
	vm := goja.New()
	for key, value := range environment(props) {
		if err := vm.Set(key, value); err != nil {
			return nil, fmt.Errorf("javascript %q: %w", e.expression, err)
		}
	}
	value, err := vm.RunProgram(e.program)
	if err != nil {
		if strings.Contains(err.Error(), "ReferenceError") {
			return nil, nil
		}
		return nil, fmt.Errorf("javascript %q: %w", e.expression, err)
	}
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
