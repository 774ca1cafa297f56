// Package learning implements failure-pattern detection and
// confidence-scored corrective improvements. Repeated failures of the
// same (operation, message) signature synthesize an Improvement from a
// keyword template table; improvements are merged on duplicate trigger
// patterns, decayed over time, and pruned lowest-confidence-first over
// capacity.
package learning

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"deskmind/internal/logging"
	"deskmind/internal/memory"
	"deskmind/internal/store"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity bounds stored improvements before pruning.
	DefaultCapacity = 100

	// synthesisThreshold is the failure-occurrence count that triggers
	// improvement synthesis.
	synthesisThreshold = 3

	// majorityThreshold: a context value recurring in at least this many
	// stored failures becomes an applicability condition.
	majorityThreshold = 2

	// contextWindow bounds the per-signature contexts kept for majority
	// detection; older occurrences are dropped.
	contextWindow = 10

	// decayFactor is applied once per decayPeriod of improvement age.
	decayFactor = 0.95
	decayPeriod = 30 * 24 * time.Hour
)

// Engine is the learning core. It owns the improvement table and the
// failure ledger; the optional memory store receives a Procedural
// record for every synthesized or merged improvement.
type Engine struct {
	mu           sync.RWMutex
	improvements []*Improvement
	failures     map[string]*FailureRecord
	capacity     int
	snapshotPath string
	memories     *memory.Store
	now          func() time.Time
}

type snapshot struct {
	Improvements []*Improvement   `json:"improvements"`
	Failures     []*FailureRecord `json:"failures"`
}

// NewEngine creates a learning engine snapshotting to snapshotPath.
// memories may be nil; improvement events are then not recorded.
func NewEngine(capacity int, snapshotPath string, memories *memory.Store) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{
		failures:     make(map[string]*FailureRecord),
		capacity:     capacity,
		snapshotPath: snapshotPath,
		memories:     memories,
		now:          time.Now,
	}
}

// TrackFailure records one failure occurrence. At the synthesis
// threshold an Improvement is synthesized from the template table and
// added (merging if the trigger pattern already exists). Returns the
// improvement created or merged on this call, or nil.
func (e *Engine) TrackFailure(operation, message string, context map[string]string) *Improvement {
	e.mu.Lock()

	key := operation + "\x00" + message
	rec, ok := e.failures[key]
	now := e.now()
	if !ok {
		rec = &FailureRecord{
			Operation: operation,
			Message:   message,
			FirstSeen: now,
		}
		e.failures[key] = rec
	}
	rec.Count++
	rec.LastSeen = now
	if len(context) > 0 {
		rec.Contexts = append(rec.Contexts, context)
		if len(rec.Contexts) > contextWindow {
			rec.Contexts = rec.Contexts[len(rec.Contexts)-contextWindow:]
		}
	}

	logging.LearningDebug("Failure tracked: %s / %q (count=%d)", operation, message, rec.Count)

	if rec.Count < synthesisThreshold {
		e.persistLocked()
		e.mu.Unlock()
		return nil
	}

	imp := e.synthesizeImprovement(rec)
	e.mu.Unlock()

	stored, err := e.AddImprovement(imp)
	if err != nil {
		logging.Get(logging.CategoryLearning).Error("Synthesis rejected: %v", err)
		return nil
	}
	return stored
}

// synthesizeImprovement builds an Improvement for a failure record from
// the keyword template table, attaching majority-context applicability
// conditions. Caller holds the lock.
func (e *Engine) synthesizeImprovement(rec *FailureRecord) Improvement {
	tpl := matchTemplate(rec.Message)

	imp := Improvement{
		Description:    fmt.Sprintf("Handle repeated failure of %s: %s", rec.Operation, rec.Message),
		LearningType:   tpl.learningType,
		TriggerPattern: "^" + regexp.QuoteMeta(rec.Operation) + "$",
		NewBehavior:    tpl.behavior,
		Confidence:     tpl.confidence,
		Metadata: map[string]string{
			"failure_message": rec.Message,
		},
	}

	// Majority-context detection: any key whose value recurs across the
	// stored failures becomes an applicability condition.
	counts := make(map[string]map[string]int)
	for _, ctx := range rec.Contexts {
		for k, v := range ctx {
			if counts[k] == nil {
				counts[k] = make(map[string]int)
			}
			counts[k][v]++
		}
	}
	for k, values := range counts {
		for v, n := range values {
			if n >= majorityThreshold {
				if imp.Context == nil {
					imp.Context = make(map[string]string)
				}
				imp.Context[k] = v
			}
		}
	}

	logging.Learning("Synthesized improvement for %s (%s, confidence=%.2f)", rec.Operation, imp.LearningType, imp.Confidence)
	return imp
}

// AddImprovement stores an improvement. A duplicate trigger pattern
// merges into the existing record (confidence averaged, metadata and
// context unioned) rather than duplicating. A trigger pattern that does
// not compile is rejected before any mutation.
func (e *Engine) AddImprovement(imp Improvement) (*Improvement, error) {
	if _, err := regexp.Compile(imp.TriggerPattern); err != nil {
		return nil, fmt.Errorf("%w: trigger pattern %q: %v", ErrValidation, imp.TriggerPattern, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	imp.Confidence = clamp01(imp.Confidence)

	for _, existing := range e.improvements {
		if existing.TriggerPattern == imp.TriggerPattern {
			existing.Confidence = clamp01((existing.Confidence + imp.Confidence) / 2)
			existing.Metadata = unionMaps(existing.Metadata, imp.Metadata)
			existing.Context = unionMaps(existing.Context, imp.Context)
			logging.LearningDebug("Merged improvement %s (confidence now %.2f)", existing.ID, existing.Confidence)
			e.persistLocked()
			return existing, nil
		}
	}

	stored := imp
	stored.ID = uuid.New().String()
	stored.CreatedAt = e.now()
	e.improvements = append(e.improvements, &stored)

	e.pruneLocked()
	e.persistLocked()

	if e.memories != nil {
		e.memories.Add(
			fmt.Sprintf("Learned improvement: %s", stored.Description),
			memory.TypeProcedural, 0.8,
			map[string]string{"improvement_id": stored.ID, "trigger": stored.TriggerPattern},
		)
	}

	logging.Learning("Added improvement %s (trigger=%q confidence=%.2f)", stored.ID, stored.TriggerPattern, stored.Confidence)
	return &stored, nil
}

// FindApplicable returns improvements whose trigger pattern matches
// operation and whose context (if any) is a subset of the given
// context, ordered by confidence descending.
func (e *Engine) FindApplicable(operation string, context map[string]string) []*Improvement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []*Improvement
	for _, imp := range e.improvements {
		re, err := regexp.Compile(imp.TriggerPattern)
		if err != nil {
			continue // Stored before a pattern rule change; skip
		}
		if !re.MatchString(operation) {
			continue
		}
		if !isSubset(imp.Context, context) {
			continue
		}
		matched = append(matched, imp)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Confidence > matched[j].Confidence
	})
	return matched
}

// Apply records an application outcome and recomputes confidence as
// the historical success rate, decayed per elapsed 30-day period since
// creation. Returns ErrNotFound for an unknown id.
func (e *Engine) Apply(id string, success bool) (*Improvement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var imp *Improvement
	for _, candidate := range e.improvements {
		if candidate.ID == id {
			imp = candidate
			break
		}
	}
	if imp == nil {
		return nil, ErrNotFound
	}

	now := e.now()
	imp.ApplicationCount++
	imp.LastAppliedAt = now
	if success {
		imp.SuccessCount++
	} else {
		imp.FailureCount++
	}

	total := imp.SuccessCount + imp.FailureCount
	confidence := float64(imp.SuccessCount) / float64(total)

	periods := int(now.Sub(imp.CreatedAt) / decayPeriod)
	if periods > 0 {
		confidence *= math.Pow(decayFactor, float64(periods))
	}
	imp.Confidence = clamp01(confidence)

	logging.LearningDebug("Applied improvement %s (success=%v confidence=%.3f)", id, success, imp.Confidence)

	e.persistLocked()
	return imp, nil
}

// Improvements returns a copy of the improvement table.
func (e *Engine) Improvements() []*Improvement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Improvement, len(e.improvements))
	copy(out, e.improvements)
	return out
}

// Failures returns the failure ledger, ordered by last occurrence.
func (e *Engine) Failures() []*FailureRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*FailureRecord, 0, len(e.failures))
	for _, rec := range e.failures {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Save snapshots improvements and the failure ledger.
func (e *Engine) Save() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.save()
}

// Load replaces in-memory state with the snapshot on disk.
// A missing snapshot is not an error.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var snap snapshot
	if err := store.LoadSnapshot(e.snapshotPath, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	e.improvements = snap.Improvements
	e.failures = make(map[string]*FailureRecord, len(snap.Failures))
	for _, rec := range snap.Failures {
		e.failures[rec.Operation+"\x00"+rec.Message] = rec
	}

	logging.Learning("Loaded %d improvements, %d failure signatures from %s",
		len(e.improvements), len(e.failures), e.snapshotPath)
	return nil
}

// pruneLocked drops lowest-confidence improvements over capacity.
func (e *Engine) pruneLocked() {
	for len(e.improvements) > e.capacity {
		victim := 0
		for i := 1; i < len(e.improvements); i++ {
			if e.improvements[i].Confidence < e.improvements[victim].Confidence {
				victim = i
			}
		}
		logging.LearningDebug("Pruning improvement %s (confidence=%.3f)", e.improvements[victim].ID, e.improvements[victim].Confidence)
		e.improvements = append(e.improvements[:victim], e.improvements[victim+1:]...)
	}
}

func (e *Engine) save() error {
	if e.snapshotPath == "" {
		return nil
	}
	failures := make([]*FailureRecord, 0, len(e.failures))
	for _, rec := range e.failures {
		failures = append(failures, rec)
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Operation != failures[j].Operation {
			return failures[i].Operation < failures[j].Operation
		}
		return failures[i].Message < failures[j].Message
	})
	return store.SaveSnapshot(e.snapshotPath, snapshot{
		Improvements: e.improvements,
		Failures:     failures,
	})
}

// persistLocked saves best-effort; an I/O error is logged and the
// in-memory mutation stands.
func (e *Engine) persistLocked() {
	if err := e.save(); err != nil {
		logging.Get(logging.CategoryLearning).Error("Persistence failed, continuing in-memory: %v", err)
	}
}

// isSubset reports whether every required key/value appears in got.
func isSubset(required, got map[string]string) bool {
	for k, v := range required {
		if got[k] != v {
			return false
		}
	}
	return true
}

func unionMaps(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		if _, ok := base[k]; !ok {
			base[k] = v
		}
	}
	return base
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
