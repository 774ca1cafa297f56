package learning

import "strings"

// failureTemplate maps a failure-message keyword to a canned corrective
// behavior with a seed confidence. The table is ordered: the first
// matching entry wins.
type failureTemplate struct {
	keywords     []string
	learningType LearningType
	behavior     string
	confidence   float64
}

// templateTable is consulted by synthesizeImprovement. The generic
// fallback is appended by matchTemplate, not listed here.
var templateTable = []failureTemplate{
	{
		keywords:     []string{"timeout", "timed out"},
		learningType: TypeErrorCorrection,
		behavior:     "retry the operation with exponential backoff before reporting failure",
		confidence:   0.6,
	},
	{
		keywords:     []string{"permission", "access denied", "denied"},
		learningType: TypeErrorCorrection,
		behavior:     "check permissions up front and fall back to a read-only path",
		confidence:   0.5,
	},
	{
		keywords:     []string{"not found", "element", "missing"},
		learningType: TypeErrorCorrection,
		behavior:     "wait for the target to appear and re-query before acting",
		confidence:   0.7,
	},
	{
		keywords:     []string{"window", "not active", "focus"},
		learningType: TypeBehaviorAdjustment,
		behavior:     "re-focus the target window before performing the operation",
		confidence:   0.8,
	},
}

// genericTemplate is the fallback when no keyword matches.
var genericTemplate = failureTemplate{
	learningType: TypeErrorCorrection,
	behavior:     "add more error handling around the operation",
	confidence:   0.4,
}

// matchTemplate returns the first template whose keyword appears in
// message (case-insensitive), or the generic fallback.
func matchTemplate(message string) failureTemplate {
	lower := strings.ToLower(message)
	for _, tpl := range templateTable {
		for _, kw := range tpl.keywords {
			if strings.Contains(lower, kw) {
				return tpl
			}
		}
	}
	return genericTemplate
}
