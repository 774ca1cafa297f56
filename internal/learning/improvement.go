package learning

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an improvement id is unknown.
var ErrNotFound = errors.New("improvement not found")

// ErrValidation marks a rejected improvement (e.g. a trigger pattern
// that does not compile). Wrapped with detail; no state is mutated.
var ErrValidation = errors.New("validation failed")

// LearningType classifies what kind of correction an improvement encodes.
type LearningType string

const (
	TypeErrorCorrection    LearningType = "error_correction"
	TypeOptimization       LearningType = "optimization"
	TypeBehaviorAdjustment LearningType = "behavior_adjustment"
	TypeFeatureAddition    LearningType = "feature_addition"
)

// Improvement is a learned corrective behavior tied to a failure
// pattern. TriggerPattern is a Go regexp matched against operation
// names. Context, when non-empty, restricts applicability to callers
// whose context is a superset.
type Improvement struct {
	ID               string            `json:"id"`
	Description      string            `json:"description"`
	LearningType     LearningType      `json:"learning_type"`
	TriggerPattern   string            `json:"trigger_pattern"`
	NewBehavior      string            `json:"new_behavior"`
	Confidence       float64           `json:"confidence"`
	SuccessCount     int               `json:"success_count"`
	FailureCount     int               `json:"failure_count"`
	Context          map[string]string `json:"context,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	LastAppliedAt    time.Time         `json:"last_applied"`
	ApplicationCount int               `json:"application_count"`
}

// FailureRecord accumulates occurrences of one (operation, message)
// failure signature, keeping each occurrence's context for
// majority-context detection.
type FailureRecord struct {
	Operation string              `json:"operation"`
	Message   string              `json:"message"`
	Count     int                 `json:"count"`
	Contexts  []map[string]string `json:"contexts,omitempty"`
	FirstSeen time.Time           `json:"first_seen"`
	LastSeen  time.Time           `json:"last_seen"`
}
