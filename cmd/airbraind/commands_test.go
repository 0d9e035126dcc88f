package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/precious195/airbrain-sub000/internal/config"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

const balancePlanYAML = `goal: check balance
system_type: api
steps:
  - id: fetch
    type: api
    endpoint: /balance
    method: GET
    output_variable: balance
`

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.DataDir = t.TempDir()
	cfg.Planner.Mode = "static"
	cfg.Planner.PlanDir = t.TempDir()
	return cfg
}

func TestParseVariables(t *testing.T) {
	vars, err := parseVariables([]string{"account=001", "limit=25", `filter={"status":"open"}`, "note=a=b"})
	require.NoError(t, err)
	require.Equal(t, "001", vars["account"])
	require.Equal(t, float64(25), vars["limit"])
	require.Equal(t, map[string]any{"status": "open"}, vars["filter"])
	require.Equal(t, "a=b", vars["note"])

	_, err = parseVariables([]string{"=oops"})
	require.Error(t, err)
	_, err = parseVariables([]string{"novalue"})
	require.Error(t, err)
}

func TestRunPlanExecutesAgainstTarget(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/balance", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance": 42}`))
	}))
	defer target.Close()

	planFile := filepath.Join(t.TempDir(), "balance.yaml")
	require.NoError(t, os.WriteFile(planFile, []byte(balancePlanYAML), 0o600))

	var out bytes.Buffer
	err := runPlan(context.Background(), localConfig(t), runInput{
		PlanFile: planFile,
		Target:   target.URL,
		Tenant:   "acme",
	}, &out)
	require.NoError(t, err)

	var res workflow.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, workflow.StatusCompleted, res.Status)
	require.Equal(t, 1, res.StepsExecuted)
	require.Contains(t, res.Variables, "balance")
}

func TestValidateCommandChecksPlans(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "airbrain.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("planner:\n  mode: static\n"), 0o600))
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(balancePlanYAML), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - id: check\n    type: condition\n    expression: \"true\"\n    on_true: nowhere\n"), 0o600))

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "validate", good})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "1 steps ok")
	require.Contains(t, out.String(), "configuration ok")

	root = newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "validate", good, bad})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad.yaml")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "airbraind dev")
}
