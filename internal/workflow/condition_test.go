package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalOK(t *testing.T, src string, vars map[string]any) bool {
	t.Helper()
	got, err := EvalCondition(src, vars)
	require.NoError(t, err)
	return got
}

func TestConditionComparisons(t *testing.T) {
	vars := map[string]any{"score": 8, "name": "alpha", "flag": true}

	assert.True(t, evalOK(t, "score > 5", vars))
	assert.False(t, evalOK(t, "score > 10", vars))
	assert.True(t, evalOK(t, "score >= 8", vars))
	assert.True(t, evalOK(t, "score <= 8", vars))
	assert.True(t, evalOK(t, "score == 8", vars))
	assert.True(t, evalOK(t, "score != 9", vars))
	assert.True(t, evalOK(t, `name == "alpha"`, vars))
	assert.True(t, evalOK(t, `name < "beta"`, vars))
	assert.True(t, evalOK(t, "flag == true", vars))
}

func TestConditionLogic(t *testing.T) {
	vars := map[string]any{"a": true, "b": false}

	assert.False(t, evalOK(t, "a and b", vars))
	assert.True(t, evalOK(t, "a or b", vars))
	assert.True(t, evalOK(t, "not b", vars))
	assert.True(t, evalOK(t, "a and not b", vars))
	assert.True(t, evalOK(t, "not (a and b)", vars))
}

func TestConditionPrecedence(t *testing.T) {
	vars := map[string]any{"x": 1, "y": 2, "t": true, "f": false}

	// and binds tighter than or.
	assert.True(t, evalOK(t, "t or f and f", vars))
	assert.False(t, evalOK(t, "(t or f) and f", vars))

	// comparisons bind tighter than and.
	assert.True(t, evalOK(t, "x < y and y < 3", vars))
}

func TestConditionMembership(t *testing.T) {
	vars := map[string]any{
		"items": []any{"a", "b", "c"},
		"nums":  []any{1, 2, 3},
		"text":  "hello world",
	}

	assert.True(t, evalOK(t, `"b" in items`, vars))
	assert.False(t, evalOK(t, `"z" in items`, vars))
	assert.True(t, evalOK(t, "2 in nums", vars))
	assert.True(t, evalOK(t, `items contains "c"`, vars))
	assert.True(t, evalOK(t, `text contains "world"`, vars))
	assert.False(t, evalOK(t, `text contains "mars"`, vars))
	assert.True(t, evalOK(t, `"wor" in text`, vars))
}

func TestConditionScenario(t *testing.T) {
	expr := `(score > 5) and (status == "active") and not error`

	assert.True(t, evalOK(t, expr, map[string]any{"score": 8, "status": "active", "error": false}))
	assert.False(t, evalOK(t, expr, map[string]any{"score": 8, "status": "active", "error": true}))

	_, err := EvalCondition(expr, map[string]any{"score": "eight", "status": "active", "error": false})
	require.Error(t, err, "type mismatch must fail, not evaluate to false")
	assert.Contains(t, err.Error(), "cannot compare")
}

func TestConditionTypeErrors(t *testing.T) {
	vars := map[string]any{"n": 3, "s": "x", "b": true}

	_, err := EvalCondition("n and b", vars)
	require.Error(t, err)

	_, err = EvalCondition("not n", vars)
	require.Error(t, err)

	_, err = EvalCondition(`n > "x"`, vars)
	require.Error(t, err)

	_, err = EvalCondition("n in s", vars)
	require.Error(t, err)

	_, err = EvalCondition("missing == 1", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not defined")

	// A bare non-boolean is a type error, not truthiness.
	_, err = EvalCondition("n", vars)
	require.Error(t, err)

	// Mismatch messages name the operator that was evaluated.
	_, err = EvalCondition("n != s", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "!=: cannot compare")

	_, err = EvalCondition("n == s", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "==: cannot compare")
}

func TestConditionDottedPaths(t *testing.T) {
	vars := map[string]any{
		"step": map[string]any{"output": map[string]any{"count": 4}},
	}
	assert.True(t, evalOK(t, "step.output.count > 3", vars))
}

func TestConditionParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"(a and b",
		"a ==",
		"a = b",
		`"unterminated`,
		"a b",
	} {
		_, err := ParseCondition(src)
		assert.Error(t, err, "should not parse: %q", src)
	}
}
