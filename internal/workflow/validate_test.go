package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	return verr.Problems
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	steps := []Step{
		{ID: "fetch", Type: StepAPI, OutputVariable: "accounts", Spec: APISpec{Endpoint: "/accounts", Method: "get"}},
		{ID: "each", Type: StepLoop, Spec: LoopSpec{Source: "{accounts}", Body: []string{"charge"}}},
		{ID: "charge", Type: StepAPI, OnError: OnErrorRollback, RollbackSteps: []string{"refund"}, Spec: APISpec{Endpoint: "/charge", Method: "POST"}},
		{ID: "refund", Type: StepAPI, Spec: APISpec{Endpoint: "/refund", Method: "POST"}},
		{ID: "check", Type: StepCondition, Spec: ConditionSpec{Expression: "ok == true", OnTrue: "done"}},
		{ID: "done", Type: StepDelay, Spec: DelaySpec{}},
	}
	assert.NoError(t, Validate(steps))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	steps := []Step{
		{ID: "a", Type: StepAPI, Spec: APISpec{}},
		{ID: "a", Type: StepDelay, Spec: DelaySpec{}},
		{ID: "b", Type: StepCondition, Spec: ConditionSpec{Expression: "x >", OnTrue: "ghost"}},
		{ID: "c", Type: StepAPI, OnError: OnErrorRollback, Spec: APISpec{Endpoint: "/c", Method: "FETCH"}},
		{ID: "d", Type: StepBrowser, Spec: BrowserSpec{Actions: []Action{{Type: ActionClick}, {Type: "hover"}}}},
		{ID: "e", Type: StepParallel, Spec: ParallelSpec{Steps: []string{"e"}}},
		{ID: "", Type: StepDelay, Spec: DelaySpec{}},
		{ID: "f", Type: "teleport"},
		{ID: "g", Type: StepAPI, RetryCount: -1, Spec: APISpec{Endpoint: "/g"}},
	}
	problems := problemsOf(t, Validate(steps))
	joined := func(substr string) bool {
		for _, p := range problems {
			if strings.Contains(p, substr) {
				return true
			}
		}
		return false
	}
	for _, want := range []string{
		`step "a": api step requires endpoint`,
		`duplicate step id "a"`,
		`references unknown step "ghost"`,
		`compile condition`,
		`unsupported http method "FETCH"`,
		`on_error=rollback requires rollback_steps`,
		`click requires locator`,
		`unknown action type "hover"`,
		`references itself`,
		`step #7 has empty id`,
		`unknown or missing type "teleport"`,
		`retry_count must not be negative`,
	} {
		assert.True(t, joined(want), "missing problem %q in %v", want, problems)
	}
}

func TestValidateRejectsEmptyWorkflow(t *testing.T) {
	problems := problemsOf(t, Validate(nil))
	assert.Equal(t, []string{"workflow has no steps"}, problems)
}

func TestValidateRejectsConditionIntoOwnedStep(t *testing.T) {
	steps := []Step{
		{ID: "p", Type: StepParallel, Spec: ParallelSpec{Steps: []string{"x"}}},
		{ID: "x", Type: StepDelay, Spec: DelaySpec{}},
		{ID: "c", Type: StepCondition, Spec: ConditionSpec{Expression: "true", OnTrue: "x"}},
	}
	problems := problemsOf(t, Validate(steps))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "belongs to a loop")
}

func TestValidateDetectsNestingCycle(t *testing.T) {
	steps := []Step{
		{ID: "l1", Type: StepLoop, Spec: LoopSpec{Source: "items", Body: []string{"l2"}}},
		{ID: "l2", Type: StepLoop, Spec: LoopSpec{Source: "items", Body: []string{"l1"}}},
	}
	problems := problemsOf(t, Validate(steps))
	assert.Contains(t, problems[len(problems)-1], "forms a cycle")
}

func TestValidateRejectsUnsafeConditions(t *testing.T) {
	expressions := []string{
		`repeat("x", 2000000000) == ""`,
		`len(upper("abc")) == 3`,
		`all([1, 2, 3], {# > 0})`,
		`let x = 5; x > 1`,
		`ok ? true : false`,
		`{"a": 1} == m`,
		`items[0:2] == items`,
		`1..1000000 == items`,
	}
	steps := make([]Step, 0, len(expressions))
	for i, expression := range expressions {
		steps = append(steps, Step{
			ID:   fmt.Sprintf("check_%d", i),
			Type: StepCondition,
			Spec: ConditionSpec{Expression: expression},
		})
	}
	problems := problemsOf(t, Validate(steps))
	for i := range expressions {
		prefix := fmt.Sprintf("step %q:", fmt.Sprintf("check_%d", i))
		assert.True(t, slices.ContainsFunc(problems, func(p string) bool { return strings.HasPrefix(p, prefix) }),
			"expected a problem for %s", expressions[i])
	}
}
