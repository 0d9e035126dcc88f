package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy enforces a capability policy around a plugin's lifetime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// categoryCapabilities bounds what each category may ever request, whatever
// the manifest allows.
var categoryCapabilities = map[Type][]Capability{
	TypeDriver:   {CapabilityBrowser, CapabilityNetwork, CapabilityFilesystem, CapabilityExecution},
	TypeNotifier: {CapabilityNetwork, CapabilityFilesystem},
}

// CapabilityGuard checks declared capabilities against the policy and the
// plugin category. It does not sandbox the running plugin.
type CapabilityGuard struct{}

// Validate reports every capability the plugin may not hold.
func (CapabilityGuard) Validate(info Info, policy IsolationPolicy) error {
	var errs []error
	permitted := categoryCapabilities[info.Category]
	for _, c := range info.Capabilities {
		switch {
		case !knownCapability(c):
			errs = append(errs, fmt.Errorf("unknown capability %q", c))
		case slices.Contains(policy.DeniedCapabilities, c):
			errs = append(errs, fmt.Errorf("capability %s is explicitly denied", c))
		case len(policy.AllowedCapabilities) > 0 && !slices.Contains(policy.AllowedCapabilities, c):
			errs = append(errs, fmt.Errorf("capability %s not permitted", c))
		case permitted != nil && !slices.Contains(permitted, c):
			errs = append(errs, fmt.Errorf("%s plugins cannot request %s", info.Category, c))
		}
	}
	return errors.Join(errs...)
}

// Prepare implements IsolationStrategy.
func (CapabilityGuard) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityGuard) Cleanup(Info) error { return nil }

// EffectivePolicy layers a plugin's own policy over the manifest defaults.
func EffectivePolicy(defaults IsolationPolicy, own *IsolationPolicy) IsolationPolicy {
	if own == nil {
		return defaults
	}
	return own.Merge(defaults)
}

// RequirePolicy rejects plugins that declare capabilities when no policy
// governs them.
func RequirePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 || !policy.empty() {
		return nil
	}
	return fmt.Errorf("plugin %s declares capabilities but no isolation policy applies", info.ID)
}

func knownCapability(c Capability) bool {
	switch c {
	case CapabilityFilesystem, CapabilityNetwork, CapabilityExecution, CapabilityBrowser:
		return true
	}
	return false
}
