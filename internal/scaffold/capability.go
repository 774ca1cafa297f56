package scaffold

import (
	"errors"
	"time"
)

// Sentinel errors for the capability registry.
var (
	// ErrNotFound is returned for an unknown capability name.
	// No counters or registry state change.
	ErrNotFound = errors.New("capability not found")

	// ErrValidation marks source rejected before any registry mutation.
	ErrValidation = errors.New("validation failed")

	// ErrCompilation marks source that parses but fails to evaluate or
	// bind in the interpreter.
	ErrCompilation = errors.New("compilation failed")
)

// CapabilityType classifies what a capability is for.
type CapabilityType string

const (
	TypeCore        CapabilityType = "core"
	TypeInteraction CapabilityType = "interaction"
	TypeAnalysis    CapabilityType = "analysis"
	TypeGeneration  CapabilityType = "generation"
	TypeAdaptation  CapabilityType = "adaptation"
	TypeMeta        CapabilityType = "meta"
)

// Stage is a capability's maturity label. Stages are totally ordered
// and promotion-only.
type Stage string

const (
	StageConception Stage = "conception"
	StagePrototype  Stage = "prototype"
	StageStable     Stage = "stable"
	StageOptimized  Stage = "optimized"
	StageAdvanced   Stage = "advanced"
)

var stageOrder = []Stage{StageConception, StagePrototype, StageStable, StageOptimized, StageAdvanced}

// Rank returns the stage's position in the promotion order, or -1 for
// an unknown stage.
func (s Stage) Rank() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage; Advanced stays Advanced.
func (s Stage) Next() Stage {
	r := s.Rank()
	if r < 0 || r >= len(stageOrder)-1 {
		return s
	}
	return stageOrder[r+1]
}

// Handle is a compiled, callable capability. Handles are transient:
// cached in memory only and rebuilt lazily after restart.
type Handle func(args ...string) (string, error)

// Capability is a named, versioned unit of executable behavior.
// Evolve never mutates a capability in place; it produces a new value
// for the same name with version+1 and reset counters.
type Capability struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Type           CapabilityType `json:"capability_type"`
	SourceCode     string         `json:"source_code"`
	Stage          Stage          `json:"evolution_stage"`
	Version        int            `json:"version"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastModifiedAt time.Time      `json:"last_modified"`
	LastUsedAt     time.Time      `json:"last_used"`
	UseCount       int            `json:"use_count"`

	handle Handle // Transient; never persisted
}

// SuccessRate is successes over total outcomes, 0 with no history.
func (c *Capability) SuccessRate() float64 {
	total := c.SuccessCount + c.FailureCount
	if total == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(total)
}

// clone copies the capability without its compiled handle.
func (c *Capability) clone() *Capability {
	out := *c
	out.handle = nil
	out.Dependencies = append([]string(nil), c.Dependencies...)
	return &out
}

// EvolutionEvent is one entry in the append-only evolution history.
type EvolutionEvent struct {
	Name        string    `json:"name"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	FromStage   Stage     `json:"from_stage"`
	ToStage     Stage     `json:"to_stage"`
	Timestamp   time.Time `json:"timestamp"`
}
