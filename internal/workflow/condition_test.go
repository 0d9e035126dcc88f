package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{
		"bal":    "-5",
		"limit":  100,
		"status": "active",
		"ok":     true,
		"resp":   map[string]any{"code": "200", "items": []any{1, 2}},
		"code":   "200",
		"otp":    "007",
		"score":  2.5,
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"bal < 0", true},
		{"{bal} < 0", true},
		{"limit >= 100 && bal < limit", true},
		{"status == 'active'", true},
		{`status != "active" || !ok`, false},
		{"resp.code == 200", true},
		{"{resp.code} == 200", true},
		{"missing == nil", true},
		{"bal > -10 and not ok == false", true},
		{`{code} == "200"`, true},
		{`{otp} == "007"`, true},
		{`otp == 7`, true},
		{`otp == "7"`, false},
		{"score >= 2.5 && code > 199", true},
		{`status < "b"`, true},
		{"resp?.code != nil", true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := EvaluateCondition(tc.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	_, err := EvaluateCondition("", nil)
	assert.Error(t, err)

	_, err = EvaluateCondition("bal <", map[string]any{"bal": 1})
	assert.Error(t, err)

	_, err = EvaluateCondition("bal", map[string]any{"bal": 1})
	assert.Error(t, err, "non-boolean result must fail")

	_, err = EvaluateCondition("bal < true", map[string]any{"bal": 1})
	assert.Error(t, err, "ordering needs numbers or strings on both sides")
}

func TestCompileCondition(t *testing.T) {
	assert.NoError(t, CompileCondition("{x} > 1 && y == 'z'"))
	assert.Error(t, CompileCondition("x >"))
	assert.Error(t, CompileCondition("   "))
}

func TestConditionGrammarRejectsNonComparisons(t *testing.T) {
	rejected := map[string]string{
		"function call":      `repeat("x", 2000000000) == ""`,
		"nested calls":       `len(upper("abc")) == 3`,
		"builtin":            `len(items) > 0`,
		"predicate closure":  `all([1, 2, 3], {# > 0})`,
		"pointer":            `any(items, # > 0)`,
		"let binding":        `let x = 5; x > 1`,
		"ternary":            `ok ? true : false`,
		"array literal":      `[1, 2] == items`,
		"map literal":        `{"a": 1} == items`,
		"slice":              `items[0:2] == items`,
		"range":              `1..1000000 == items`,
		"arithmetic":         `(bal + 10) > 4`,
		"membership":         `"a" in items`,
		"regex":              `name matches "^a"`,
		"method call":        `name.Upper() == "A"`,
		"sign on identifier": `-bal > 0`,
	}
	for name, expression := range rejected {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, CompileCondition(expression))
			_, err := EvaluateCondition(expression, map[string]any{"items": []any{1, 2}, "bal": 1, "ok": true, "name": "a"})
			assert.Error(t, err)
		})
	}
}
