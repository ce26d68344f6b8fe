package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy decides whether a plugin may be activated under a policy.
type IsolationStrategy interface {
	Validate(p Plugin, policy IsolationPolicy) error
}

// CapabilityIsolation checks declared capabilities against the allow and deny
// lists of the policy.
type CapabilityIsolation struct {
	// RequirePolicy rejects plugins that declare capabilities when no policy
	// is configured at all.
	RequirePolicy bool
}

// Validate implements IsolationStrategy.
func (s CapabilityIsolation) Validate(p Plugin, policy IsolationPolicy) error {
	if s.RequirePolicy {
		if err := EnsurePolicy(p, policy); err != nil {
			return err
		}
	}
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(p.Capabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range p.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if merged.Empty() {
		return defaults
	}
	return merged
}

// EnsurePolicy returns an error when the isolation policy is empty and the
// plugin requests capabilities.
func EnsurePolicy(p Plugin, policy IsolationPolicy) error {
	if len(p.Capabilities) == 0 {
		return nil
	}
	if policy.Empty() {
		return fmt.Errorf("plugin %s declares capabilities but no isolation policy is configured", p.Name)
	}
	return nil
}
