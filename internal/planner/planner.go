// Package planner turns a goal into a validated workflow plan. Planner output
// is treated as untrusted input: every plan is validated before it is
// returned, and any failure is reported as PLANNING_FAILED.
package planner

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/llm"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// Request is the planner input.
type Request struct {
	Goal           string
	TargetURL      string
	SystemType     string
	HasCredentials bool
	History        []llm.HistoryEntry
}

// Planner produces a workflow plan for a goal.
type Planner interface {
	Plan(ctx context.Context, req Request) (*workflow.Plan, error)
}

// CodePlanNotFound means a planner has no plan for the request and the next
// planner in a chain should be tried.
const CodePlanNotFound xerrors.Code = "PLAN_NOT_FOUND"

// ErrNoPlan is returned by planners that do not cover the request.
var ErrNoPlan = xerrors.New(CodePlanNotFound, "no plan available for target")

func init() {
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{
		Message:  "no plan available for target",
		Severity: xerrors.SeverityInfo,
	})
}

// Finalize fills defaults into a decoded plan and validates it.
func Finalize(plan *workflow.Plan, req Request) (*workflow.Plan, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodePlanning, "planner returned no plan", xerrors.WithRetryable(false))
	}
	if plan.Goal == "" {
		plan.Goal = req.Goal
	}
	if plan.SystemType == "" {
		plan.SystemType = req.SystemType
	}
	if plan.SystemType == "" {
		plan.SystemType = "api"
	}
	switch plan.SystemType {
	case "api", "browser", "hybrid":
	default:
		return nil, xerrors.New(xerrors.CodePlanning, "unknown system_type "+plan.SystemType, xerrors.WithRetryable(false))
	}
	if err := workflow.Validate(plan.Steps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "planner produced an invalid workflow", xerrors.WithRetryable(false))
	}
	return plan, nil
}

// Decode parses a JSON plan produced by an untrusted source.
func Decode(content string, req Request) (*workflow.Plan, error) {
	var plan workflow.Plan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "planner output is not a valid plan", xerrors.WithRetryable(false))
	}
	return Finalize(&plan, req)
}

// LLMPlanner asks a language model for a plan.
type LLMPlanner struct {
	client llm.Client
	logger *slog.Logger
}

// NewLLMPlanner wraps an llm.Client.
func NewLLMPlanner(client llm.Client) *LLMPlanner {
	return &LLMPlanner{client: client, logger: logger.Named("planner.llm")}
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, req Request) (*workflow.Plan, error) {
	if p == nil || p.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "llm planner has no client")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "goal must not be empty")
	}
	resp, err := p.client.Generate(ctx, llm.Request{
		Goal:           req.Goal,
		TargetURL:      req.TargetURL,
		SystemType:     req.SystemType,
		HasCredentials: req.HasCredentials,
		History:        req.History,
	})
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, "llm request failed")
	}
	plan, err := Decode(resp.Content, req)
	if err != nil {
		p.logger.Warn("plan rejected",
			slog.String("target", req.TargetURL),
			slog.Any("error", err),
		)
		return nil, err
	}
	p.logger.Info("plan generated",
		slog.String("target", req.TargetURL),
		slog.Int("steps", len(plan.Steps)),
		slog.String("thought", resp.Thought),
	)
	return plan, nil
}

// Chain tries planners in order and skips those that return ErrNoPlan.
type Chain []Planner

// Plan implements Planner.
func (c Chain) Plan(ctx context.Context, req Request) (*workflow.Plan, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		plan, err := p.Plan(ctx, req)
		if stdErrors.Is(err, ErrNoPlan) {
			continue
		}
		return plan, err
	}
	return nil, xerrors.Wrap(xerrors.CodePlanning, ErrNoPlan, "no planner produced a plan", xerrors.WithRetryable(false))
}
