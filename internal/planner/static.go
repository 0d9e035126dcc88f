package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

// defaultPlanKey is used when no file matches the target host.
const defaultPlanKey = "default"

// StaticPlanner serves pre-written plans keyed by target host. Each file in
// the plan directory is named after a host ("bank.example.com.yaml") and
// contains one plan in YAML or JSON.
type StaticPlanner struct {
	mu    sync.RWMutex
	plans map[string]workflow.Plan
}

// NewStaticPlanner loads every plan file in dir.
func NewStaticPlanner(dir string) (*StaticPlanner, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read plan directory")
	}
	p := &StaticPlanner{plans: make(map[string]workflow.Plan)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		plan, err := LoadPlanFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		p.plans[strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))] = *plan
	}
	return p, nil
}

// Register adds or replaces the plan for host.
func (p *StaticPlanner) Register(host string, plan workflow.Plan) {
	p.mu.Lock()
	if p.plans == nil {
		p.plans = make(map[string]workflow.Plan)
	}
	p.plans[strings.ToLower(host)] = plan
	p.mu.Unlock()
}

// Plan implements Planner.
func (p *StaticPlanner) Plan(_ context.Context, req Request) (*workflow.Plan, error) {
	p.mu.RLock()
	plan, ok := p.lookup(req.TargetURL)
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNoPlan
	}
	plan.Steps = append([]workflow.Step(nil), plan.Steps...)
	return Finalize(&plan, req)
}

func (p *StaticPlanner) lookup(target string) (workflow.Plan, bool) {
	host := strings.ToLower(strings.TrimSpace(target))
	if parsed, err := url.Parse(target); err == nil && parsed.Host != "" {
		host = strings.ToLower(parsed.Host)
	}
	candidates := []string{host}
	if h, _, found := strings.Cut(host, ":"); found {
		candidates = append(candidates, h)
	}
	candidates = append(candidates, defaultPlanKey)
	for _, key := range candidates {
		if plan, ok := p.plans[key]; ok {
			return plan, true
		}
	}
	return workflow.Plan{}, false
}

// LoadPlanFile reads a plan from a YAML or JSON file.
func LoadPlanFile(path string) (*workflow.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read plan file")
	}
	var plan workflow.Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &plan)
	default:
		err = yaml.Unmarshal(raw, &plan)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanning, err, fmt.Sprintf("parse plan file %s", path), xerrors.WithRetryable(false))
	}
	return &plan, nil
}
