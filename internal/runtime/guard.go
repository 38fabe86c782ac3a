package runtime

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/alfredjean/ojd/internal/core/coordination"
)

// GojaEvaluator implements coordination.Evaluator with a pure-Go JS runtime,
// grounded on system/tee's gojaScriptEngine: a fresh VM per call for
// isolation (guard expressions are untrusted runbook content), inputs
// exposed as a frozen-by-convention "inputs" object, and the expression's
// completion value taken as the boolean result.
type GojaEvaluator struct{}

func NewGojaEvaluator() *GojaEvaluator { return &GojaEvaluator{} }

func (GojaEvaluator) EvaluateBool(expression string, inputs coordination.Inputs) (bool, error) {
	vm := goja.New()

	in := vm.NewObject()
	for k, v := range inputs {
		if err := in.Set(k, v); err != nil {
			return false, fmt.Errorf("guard: set input %q: %w", k, err)
		}
	}
	if err := vm.Set("inputs", in); err != nil {
		return false, fmt.Errorf("guard: bind inputs: %w", err)
	}

	result, err := vm.RunString(expression)
	if err != nil {
		return false, fmt.Errorf("guard: evaluate expression: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return false, nil
	}
	return result.ToBoolean(), nil
}
