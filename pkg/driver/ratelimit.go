package driver

import "strings"

// rateLimitMarkers are substrings that unambiguously identify a usage-limit
// failure in the assistant's error text.
var rateLimitMarkers = []string{
	"hit your limit",
	"usage limit",
	"rate limit",
}

// Heuristic thresholds: a failed call that cost nearly nothing and produced
// almost no output died before doing real work, which is the signature of
// being turned away at the door.
const (
	heuristicMaxCostUSD = 0.01
	heuristicMaxOutput  = 500
)

// IsRateLimit classifies a call result as a usage-limit failure. Explicit
// markers in the error text win; otherwise a cheap, near-silent failure is
// treated as one.
func IsRateLimit(res *Result) bool {
	if res == nil {
		return false
	}
	errText := strings.ToLower(res.Error)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(errText, marker) {
			return true
		}
	}
	return !res.Success &&
		res.Error != "" &&
		res.CostUSD < heuristicMaxCostUSD &&
		len(res.Output) < heuristicMaxOutput
}

// ShouldFallback reports whether switching to the fallback model is
// worthwhile: only when it differs from the model that just failed. Whether
// a fallback is configured at all is the caller's policy.
func ShouldFallback(current, fallback string) bool {
	return current != fallback
}
