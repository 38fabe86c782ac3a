package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/internal/runtime"
)

func TestGojaEvaluatorBindsInputsAndEvaluatesExpression(t *testing.T) {
	ev := runtime.NewGojaEvaluator()

	ok, err := ev.EvaluateBool("inputs.ready === true", coordination.Inputs{"ready": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateBool("inputs.ready === true", coordination.Inputs{"ready": false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGojaEvaluatorNumericComparison(t *testing.T) {
	ev := runtime.NewGojaEvaluator()

	ok, err := ev.EvaluateBool("inputs.count > 3", coordination.Inputs{"count": 5})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGojaEvaluatorUndefinedResultIsFalse(t *testing.T) {
	ev := runtime.NewGojaEvaluator()

	ok, err := ev.EvaluateBool("void 0", coordination.Inputs{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGojaEvaluatorSyntaxErrorIsReported(t *testing.T) {
	ev := runtime.NewGojaEvaluator()

	_, err := ev.EvaluateBool("inputs.(((", coordination.Inputs{})
	assert.Error(t, err)
}

func TestGojaEvaluatorIsolatesStateAcrossCalls(t *testing.T) {
	ev := runtime.NewGojaEvaluator()

	ok, err := ev.EvaluateBool("globalThis.seen = true; true", coordination.Inputs{})
	require.NoError(t, err)
	assert.True(t, ok)

	// a fresh VM per call means the previous call's global assignment
	// never leaks into this one.
	ok, err = ev.EvaluateBool("typeof globalThis.seen === 'undefined'", coordination.Inputs{})
	require.NoError(t, err)
	assert.True(t, ok)
}
