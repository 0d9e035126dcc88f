package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Status 是工作流的生命周期状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 表示状态不会再变化。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepType 是步骤的类型标签。
type StepType string

const (
	StepAPI           StepType = "api"
	StepBrowser       StepType = "browser"
	StepCondition     StepType = "condition"
	StepLoop          StepType = "loop"
	StepParallel      StepType = "parallel"
	StepDelay         StepType = "delay"
	StepHumanApproval StepType = "human_approval"
)

// ErrorPolicy 决定步骤失败后的处理方式。
type ErrorPolicy string

const (
	OnErrorContinue ErrorPolicy = "continue"
	OnErrorRetry    ErrorPolicy = "retry"
	OnErrorRollback ErrorPolicy = "rollback"
	OnErrorAbort    ErrorPolicy = "abort"
)

// ActionType 是浏览器步骤中单个动作的类型。
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionExtract  ActionType = "extract"
	ActionWait     ActionType = "wait"
)

// Duration 在 JSON/YAML 中既接受 "1m30s" 这样的字符串，也接受毫秒数。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 解析字符串或毫秒数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML 输出字符串形式。
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML 解析字符串或毫秒数。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case int:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Duration(time.Duration(ms) * time.Millisecond), nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(parsed), nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// Spec 是各类步骤专属字段的封闭接口，每种步骤类型对应一个实现。
type Spec interface {
	StepType() StepType
	sealed()
}

// APISpec 描述一次接口调用。
type APISpec struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Method   string            `json:"method,omitempty" yaml:"method,omitempty"`
	Params   map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// BrowserSpec 是按顺序执行的页面动作列表。
type BrowserSpec struct {
	Actions []Action `json:"actions" yaml:"actions"`
}

// Action 是浏览器步骤中的单个动作。
type Action struct {
	Type           ActionType `json:"type" yaml:"type"`
	URL            string     `json:"url,omitempty" yaml:"url,omitempty"`
	Locator        string     `json:"locator,omitempty" yaml:"locator,omitempty"`
	Value          string     `json:"value,omitempty" yaml:"value,omitempty"`
	Duration       Duration   `json:"duration,omitempty" yaml:"duration,omitempty"`
	Timeout        Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OutputVariable string     `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
}

// ConditionSpec 根据表达式结果跳转。
type ConditionSpec struct {
	Expression string `json:"expression" yaml:"expression"`
	OnTrue     string `json:"on_true,omitempty" yaml:"on_true,omitempty"`
	OnFalse    string `json:"on_false,omitempty" yaml:"on_false,omitempty"`
}

// LoopSpec 对序列变量的每个元素执行循环体。
type LoopSpec struct {
	Source        string   `json:"source" yaml:"source"`
	Body          []string `json:"body" yaml:"body"`
	ItemVariable  string   `json:"item_variable,omitempty" yaml:"item_variable,omitempty"`
	IndexVariable string   `json:"index_variable,omitempty" yaml:"index_variable,omitempty"`
}

// ParallelSpec 并发执行若干步骤。
type ParallelSpec struct {
	Steps []string `json:"steps" yaml:"steps"`
}

// DelaySpec 固定等待。
type DelaySpec struct {
	Duration Duration `json:"duration" yaml:"duration"`
}

// ApprovalSpec 暂停工作流等待人工审批。
type ApprovalSpec struct {
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
	Timeout Duration `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"`
}

func (APISpec) StepType() StepType       { return StepAPI }
func (BrowserSpec) StepType() StepType   { return StepBrowser }
func (ConditionSpec) StepType() StepType { return StepCondition }
func (LoopSpec) StepType() StepType      { return StepLoop }
func (ParallelSpec) StepType() StepType  { return StepParallel }
func (DelaySpec) StepType() StepType     { return StepDelay }
func (ApprovalSpec) StepType() StepType  { return StepHumanApproval }

func (APISpec) sealed()       {}
func (BrowserSpec) sealed()   {}
func (ConditionSpec) sealed() {}
func (LoopSpec) sealed()      {}
func (ParallelSpec) sealed()  {}
func (DelaySpec) sealed()     {}
func (ApprovalSpec) sealed()  {}

func newSpec(t StepType) (Spec, error) {
	switch t {
	case StepAPI:
		return &APISpec{}, nil
	case StepBrowser:
		return &BrowserSpec{}, nil
	case StepCondition:
		return &ConditionSpec{}, nil
	case StepLoop:
		return &LoopSpec{}, nil
	case StepParallel:
		return &ParallelSpec{}, nil
	case StepDelay:
		return &DelaySpec{}, nil
	case StepHumanApproval:
		return &ApprovalSpec{}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
}

// deref 将解码用的指针转回值类型，保证 Step.Spec 中只出现值。
func deref(spec Spec) Spec {
	switch s := spec.(type) {
	case *APISpec:
		return *s
	case *BrowserSpec:
		return *s
	case *ConditionSpec:
		return *s
	case *LoopSpec:
		return *s
	case *ParallelSpec:
		return *s
	case *DelaySpec:
		return *s
	case *ApprovalSpec:
		return *s
	}
	return spec
}

// Step 是工作流中的一个节点。公共字段之外的内容由 Spec 携带。
type Step struct {
	ID             string      `json:"id" yaml:"id"`
	Type           StepType    `json:"type" yaml:"type"`
	Name           string      `json:"name,omitempty" yaml:"name,omitempty"`
	RetryCount     int         `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Timeout        Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError        ErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	RollbackSteps  []string    `json:"rollback_steps,omitempty" yaml:"rollback_steps,omitempty"`
	OutputVariable string      `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	Spec           Spec        `json:"-" yaml:"-"`
}

// stepHeader 与 Step 的公共字段一致，用于避免递归调用自定义解码。
type stepHeader struct {
	ID             string      `json:"id" yaml:"id"`
	Type           StepType    `json:"type" yaml:"type"`
	Name           string      `json:"name,omitempty" yaml:"name,omitempty"`
	RetryCount     int         `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Timeout        Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError        ErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	RollbackSteps  []string    `json:"rollback_steps,omitempty" yaml:"rollback_steps,omitempty"`
	OutputVariable string      `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
}

func (h stepHeader) step(spec Spec) Step {
	return Step{
		ID:             h.ID,
		Type:           h.Type,
		Name:           h.Name,
		RetryCount:     h.RetryCount,
		Timeout:        h.Timeout,
		OnError:        h.OnError,
		RollbackSteps:  h.RollbackSteps,
		OutputVariable: h.OutputVariable,
		Spec:           spec,
	}
}

// Policy 返回生效的错误策略，未设置时为 abort。
func (s Step) Policy() ErrorPolicy {
	if s.OnError == "" {
		return OnErrorAbort
	}
	return s.OnError
}

// Children 返回被该步骤持有的子步骤，它们不会在主序列中单独执行。
func (s Step) Children() []string {
	switch spec := s.Spec.(type) {
	case LoopSpec:
		return spec.Body
	case ParallelSpec:
		return spec.Steps
	}
	return nil
}

// UnmarshalJSON 先读取公共字段，再根据 type 解码对应的 Spec。
func (s *Step) UnmarshalJSON(data []byte) error {
	var header stepHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	spec, err := newSpec(header.Type)
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("step %q: %v", header.ID, err)}}
	}
	if err := json.Unmarshal(data, spec); err != nil {
		return fmt.Errorf("step %q: %w", header.ID, err)
	}
	*s = header.step(deref(spec))
	return nil
}

// MarshalJSON 将公共字段与 Spec 字段展平到同一个对象。
func (s Step) MarshalJSON() ([]byte, error) {
	fields, err := s.flatten(json.Marshal, json.Unmarshal)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalYAML 与 UnmarshalJSON 相同，用于 YAML 计划文件。
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var header stepHeader
	if err := node.Decode(&header); err != nil {
		return err
	}
	spec, err := newSpec(header.Type)
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("step %q: %v", header.ID, err)}}
	}
	if err := node.Decode(spec); err != nil {
		return fmt.Errorf("step %q: %w", header.ID, err)
	}
	*s = header.step(deref(spec))
	return nil
}

// MarshalYAML 展平输出。
func (s Step) MarshalYAML() (any, error) {
	return s.flatten(yaml.Marshal, yaml.Unmarshal)
}

func (s Step) flatten(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) (map[string]any, error) {
	fields := make(map[string]any)
	if s.Spec != nil {
		raw, err := marshal(s.Spec)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		if s.Type == "" {
			s.Type = s.Spec.StepType()
		}
	}
	raw, err := marshal(stepHeader{
		ID:             s.ID,
		Type:           s.Type,
		Name:           s.Name,
		RetryCount:     s.RetryCount,
		Timeout:        s.Timeout,
		OnError:        s.OnError,
		RollbackSteps:  s.RollbackSteps,
		OutputVariable: s.OutputVariable,
	})
	if err != nil {
		return nil, err
	}
	var header map[string]any
	if err := unmarshal(raw, &header); err != nil {
		return nil, err
	}
	for k, v := range header {
		fields[k] = v
	}
	return fields, nil
}

// Plan 是规划器的输出：目标系统类型、是否需要登录，以及步骤图。
type Plan struct {
	Goal         string `json:"goal,omitempty" yaml:"goal,omitempty"`
	SystemType   string `json:"system_type,omitempty" yaml:"system_type,omitempty"`
	RequiresAuth bool   `json:"requires_auth,omitempty" yaml:"requires_auth,omitempty"`
	Steps        []Step `json:"steps" yaml:"steps"`
}

// LogEntry 记录一次步骤执行尝试。只追加，不修改。
type LogEntry struct {
	StepID    string    `json:"step_id"`
	Type      StepType  `json:"type"`
	Outcome   string    `json:"outcome"`
	Output    any       `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// 日志中的执行结果。
const (
	OutcomeSuccess        = "success"
	OutcomeFailed         = "failed"
	OutcomeContinued      = "continued"
	OutcomeRollback       = "rollback"
	OutcomeRollbackFailed = "rollback_failed"
)

// BranchOutcome 是 parallel 步骤中单个分支的结果。
type BranchOutcome struct {
	StepID  string `json:"step_id"`
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
