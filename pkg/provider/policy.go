package provider

import "github.com/voxbridge/go-voxbridge/pkg/protocol"

// resolvePolicy picks the effective tool policy. Per-call override wins over
// configuration, and an "auto" configuration derives the policy from the
// backend's advertised tool capability.
func resolvePolicy(override, configured, capability string) string {
	switch override {
	case protocol.PolicyStrict, protocol.PolicyCompatible, protocol.PolicyOff:
		return override
	}
	if configured != "" && configured != "auto" {
		return configured
	}
	switch capability {
	case protocol.CapabilityStrict:
		return protocol.PolicyStrict
	case protocol.CapabilityNone:
		return protocol.PolicyOff
	default:
		return protocol.PolicyCompatible
	}
}

// gatewayActive reports whether structured tool requests should be sent.
// The gateway needs the full pipeline, a permitting policy and at least one
// allowed tool to be worth a round trip.
func gatewayActive(enabled bool, mode, policy string, allowed []string) bool {
	return enabled && mode == protocol.ModeFull && policy != protocol.PolicyOff && len(allowed) > 0
}
