// Package botdetect classifies user-agent strings against configured
// signatures. The detector is pure and stateless; risk bookkeeping for
// flagged requests lives in the risk package.
package botdetect

import "strings"

// DefaultSignatures are matched when no signatures are configured.
var DefaultSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"curl",
	"wget",
	"python-requests",
}

// Detector matches user-agent strings case-insensitively against a signature
// list. In strict mode a missing user-agent is also flagged.
type Detector struct {
	signatures []string
	strict     bool
}

// New creates a detector. Signatures are matched as case-insensitive
// substrings; an empty list falls back to DefaultSignatures.
func New(signatures []string, strict bool) *Detector {
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	lowered := make([]string, len(signatures))
	for i, sig := range signatures {
		lowered[i] = strings.ToLower(sig)
	}
	return &Detector{signatures: lowered, strict: strict}
}

// IsSuspicious reports whether userAgent matches a configured signature.
func (d *Detector) IsSuspicious(userAgent string) bool {
	if userAgent == "" {
		return d.strict
	}

	ua := strings.ToLower(userAgent)
	for _, sig := range d.signatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
