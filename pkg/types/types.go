package types

// SupportedResponse represents the supported networks and payment schemes
// reported by a facilitator's /supported endpoint
type SupportedResponse struct {
	Kinds []NetworkKind `json:"kinds"`
}

// NetworkKind contains information about a supported scheme/network combination
type NetworkKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`  // Payment scheme (e.g., "eip-3009")
	Network     string `json:"network"` // Network name (e.g., "cronos-testnet")
}

// Supports reports whether the facilitator advertises the scheme/network pair
func (s *SupportedResponse) Supports(scheme Scheme, network string) bool {
	if s == nil {
		return false
	}
	for _, kind := range s.Kinds {
		if kind.Scheme == string(scheme) && kind.Network == network {
			return true
		}
	}
	return false
}

// ErrorResponse is the JSON body written for non-402 error responses
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
