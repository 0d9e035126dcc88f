package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilityGuard(t *testing.T) {
	guard := CapabilityGuard{}
	notifier := Info{ID: "hook", Category: TypeNotifier, Capabilities: []Capability{CapabilityNetwork}}

	require.NoError(t, guard.Validate(notifier, IsolationPolicy{}))
	require.NoError(t, guard.Validate(notifier, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}))
	require.ErrorContains(t, guard.Validate(notifier, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityBrowser}}), "not permitted")

	notifier.Capabilities = []Capability{CapabilityBrowser, "teleport"}
	err := guard.Validate(notifier, IsolationPolicy{})
	require.ErrorContains(t, err, "notifier plugins cannot request browser")
	require.ErrorContains(t, err, `unknown capability "teleport"`)
}

func TestEffectivePolicyAndRequirePolicy(t *testing.T) {
	defaults := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}
	require.Equal(t, defaults, EffectivePolicy(defaults, nil))

	own := &IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}}
	merged := EffectivePolicy(defaults, own)
	require.Equal(t, defaults.AllowedCapabilities, merged.AllowedCapabilities)
	require.Equal(t, own.DeniedCapabilities, merged.DeniedCapabilities)

	info := Info{ID: "drv", Capabilities: []Capability{CapabilityBrowser}}
	require.Error(t, RequirePolicy(info, IsolationPolicy{}))
	require.NoError(t, RequirePolicy(info, merged))
	require.NoError(t, RequirePolicy(Info{ID: "bare"}, IsolationPolicy{}))
}

func TestResolveSymbol(t *testing.T) {
	impl := &fakePlugin{info: Info{Category: TypeDriver}}

	var exported Plugin = impl
	got, err := resolveSymbol("Plugin", &exported)
	require.NoError(t, err)
	require.Same(t, impl, got)

	got, err = resolveSymbol("New", func() Plugin { return impl })
	require.NoError(t, err)
	require.Same(t, impl, got)

	var unset Plugin
	_, err = resolveSymbol("Plugin", &unset)
	require.ErrorContains(t, err, "nil")

	_, err = resolveSymbol("Plugin", 42)
	require.ErrorContains(t, err, "has type int")
}

func TestSharedObjectLoaderReportsMissingBinary(t *testing.T) {
	_, err := SharedObjectLoader{}.Load("")
	require.Error(t, err)
	_, err = SharedObjectLoader{}.Load(t.TempDir() + "/missing.so")
	require.ErrorContains(t, err, "plugin binary")
}

func TestExecutionContextScopesResources(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{}, WithResource(ResourceUserAgent, "airbrain/test"))
	require.NoError(t, err)

	var seen *ExecutionContext
	p := &fakePlugin{info: Info{Category: TypeNotifier}}
	require.NoError(t, mgr.Register("hook", p, map[string]any{"url": "http://x"}, IsolationPolicy{}))
	inst, err := mgr.get("hook")
	require.NoError(t, err)
	seen = mgr.execContext(context.Background(), "hook", inst).Clone()

	require.Equal(t, "airbrain/test", seen.StringResource(ResourceUserAgent))
	require.Empty(t, seen.StringResource(ResourceDataDir))
	require.NotNil(t, seen.Logger)

	seen.Config["url"] = "http://changed"
	require.Equal(t, "http://x", inst.Config["url"])
}
