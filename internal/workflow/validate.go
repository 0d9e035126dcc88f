package workflow

import (
	"fmt"
	"net/http"
	"strings"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

// ValidationError 汇总工作流图中的所有问题。
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid workflow: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid workflow: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate 检查步骤 ID 唯一、所有引用可解析以及各类步骤的必填字段。
// 返回的错误码为 VALIDATION_FAILED，可通过 errors.As 取得 *ValidationError。
func Validate(steps []Step) error {
	v := &validator{ids: make(map[string]int, len(steps))}
	if len(steps) == 0 {
		v.addf("workflow has no steps")
	}
	for i, step := range steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			v.addf("step #%d has empty id", i+1)
			continue
		}
		if _, dup := v.ids[id]; dup {
			v.addf("duplicate step id %q", id)
			continue
		}
		v.ids[id] = i
	}
	v.owned = ownedSteps(steps)
	for _, step := range steps {
		v.step(step)
	}
	v.cycles(steps)
	if len(v.problems) == 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeValidation, &ValidationError{Problems: v.problems}, "workflow validation failed",
		xerrors.WithRetryable(false))
}

type validator struct {
	ids      map[string]int
	owned    map[string]struct{}
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) ref(owner, field, target string) {
	switch {
	case target == "":
		v.addf("step %q: %s contains an empty reference", owner, field)
	case target == owner:
		v.addf("step %q: %s references itself", owner, field)
	default:
		if _, ok := v.ids[target]; !ok {
			v.addf("step %q: %s references unknown step %q", owner, field, target)
		}
	}
}

func (v *validator) step(step Step) {
	id := step.ID
	if step.Spec == nil {
		v.addf("step %q: unknown or missing type %q", id, step.Type)
		return
	}
	if step.Type != "" && step.Type != step.Spec.StepType() {
		v.addf("step %q: type %q does not match its fields (%s)", id, step.Type, step.Spec.StepType())
	}
	switch step.OnError {
	case "", OnErrorContinue, OnErrorRetry, OnErrorRollback, OnErrorAbort:
	default:
		v.addf("step %q: unknown on_error policy %q", id, step.OnError)
	}
	if step.RetryCount < 0 {
		v.addf("step %q: retry_count must not be negative", id)
	}
	if step.Timeout < 0 {
		v.addf("step %q: timeout must not be negative", id)
	}
	for _, target := range step.RollbackSteps {
		v.ref(id, "rollback_steps", target)
	}
	if step.Policy() == OnErrorRollback && len(step.RollbackSteps) == 0 {
		v.addf("step %q: on_error=rollback requires rollback_steps", id)
	}

	switch spec := step.Spec.(type) {
	case APISpec:
		if strings.TrimSpace(spec.Endpoint) == "" {
			v.addf("step %q: api step requires endpoint", id)
		}
		if spec.Method != "" && !validMethod(spec.Method) {
			v.addf("step %q: unsupported http method %q", id, spec.Method)
		}
	case BrowserSpec:
		if len(spec.Actions) == 0 {
			v.addf("step %q: browser step requires at least one action", id)
		}
		for i, action := range spec.Actions {
			v.action(id, i, action)
		}
	case ConditionSpec:
		if err := CompileCondition(spec.Expression); err != nil {
			v.addf("step %q: %v", id, err)
		}
		for field, target := range map[string]string{"on_true": spec.OnTrue, "on_false": spec.OnFalse} {
			if target == "" {
				continue
			}
			v.ref(id, field, target)
			if _, owned := v.owned[target]; owned {
				v.addf("step %q: %s targets %q which belongs to a loop, parallel or rollback step", id, field, target)
			}
		}
	case LoopSpec:
		if strings.Trim(strings.TrimSpace(spec.Source), "{}") == "" {
			v.addf("step %q: loop step requires source", id)
		}
		if len(spec.Body) == 0 {
			v.addf("step %q: loop step requires body", id)
		}
		for _, target := range spec.Body {
			v.ref(id, "body", target)
		}
	case ParallelSpec:
		if len(spec.Steps) == 0 {
			v.addf("step %q: parallel step requires steps", id)
		}
		for _, target := range spec.Steps {
			v.ref(id, "steps", target)
		}
	case DelaySpec:
		if spec.Duration < 0 {
			v.addf("step %q: delay duration must not be negative", id)
		}
	case ApprovalSpec:
		if spec.Timeout < 0 {
			v.addf("step %q: approval timeout must not be negative", id)
		}
	}
}

func (v *validator) action(stepID string, index int, action Action) {
	where := fmt.Sprintf("step %q action #%d", stepID, index+1)
	switch action.Type {
	case ActionNavigate:
		if strings.TrimSpace(action.URL) == "" {
			v.addf("%s: navigate requires url", where)
		}
	case ActionClick, ActionExtract:
		if strings.TrimSpace(action.Locator) == "" {
			v.addf("%s: %s requires locator", where, action.Type)
		}
	case ActionTypeText:
		if strings.TrimSpace(action.Locator) == "" {
			v.addf("%s: type requires locator", where)
		}
	case ActionWait:
		if strings.TrimSpace(action.Locator) == "" && action.Duration <= 0 {
			v.addf("%s: wait requires locator or duration", where)
		}
	default:
		v.addf("%s: unknown action type %q", where, action.Type)
	}
}

// cycles 检查 loop/parallel 的持有关系中不存在环，否则执行会无限递归。
func (v *validator) cycles(steps []Step) {
	children := make(map[string][]string, len(steps))
	for _, step := range steps {
		if kids := step.Children(); len(kids) > 0 {
			children[step.ID] = kids
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(children))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, kid := range children[id] {
			if visit(kid) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, step := range steps {
		if state[step.ID] == unvisited && visit(step.ID) {
			v.addf("step %q: loop/parallel nesting forms a cycle", step.ID)
			return
		}
	}
}

func validMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}
