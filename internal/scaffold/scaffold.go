// Package scaffold implements the versioned capability registry: a
// table of named, validated, interpreter-compiled behaviors with a
// promotion-only evolution stage machine, usage-based eviction, and an
// append-only evolution history.
package scaffold

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"deskmind/internal/logging"
	"deskmind/internal/memory"
	"deskmind/internal/store"
)

const (
	// DefaultCapacity bounds registered capabilities before pruning.
	DefaultCapacity = 100

	// Promotion gate: a capability advances exactly one stage per evolve
	// when the prior version cleared both thresholds.
	promotionSuccessRate = 0.9
	promotionUseCount    = 10

	// Analysis bands for the high_failure_rate opportunity.
	analysisMinCalls        = 5
	failureRateMediumBound  = 0.7
	failureRateHighBound    = 0.5
	stuckInEarlyStageAfterV = 2
)

// Opportunity is an evolution candidate surfaced by Analyze.
type Opportunity struct {
	Capability  string `json:"capability"`
	Kind        string `json:"kind"`     // high_failure_rate, stuck_in_early_stage
	Priority    string `json:"priority"` // high, medium
	Description string `json:"description"`
}

// Report is the output of Analyze.
type Report struct {
	Total              int                    `json:"total"`
	ByType             map[CapabilityType]int `json:"by_type"`
	ByStage            map[Stage]int          `json:"by_stage"`
	OverallSuccessRate float64                `json:"overall_success_rate"`
	Opportunities      []Opportunity          `json:"opportunities"`
}

// Scaffold is the capability registry.
// The optional memory store receives a Learning record for every
// addition and evolution.
type Scaffold struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	history      []*EvolutionEvent
	capacity     int
	snapshotPath string
	executor     *Executor
	memories     *memory.Store
	now          func() time.Time
}

type snapshot struct {
	Capabilities map[string]*Capability `json:"capabilities"`
	History      []*EvolutionEvent      `json:"evolution_history"`
}

// NewScaffold creates a capability registry snapshotting to
// snapshotPath. memories may be nil.
func NewScaffold(capacity int, snapshotPath string, executor *Executor, memories *memory.Store) *Scaffold {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if executor == nil {
		executor = NewExecutor(DefaultExecutionTimeout)
	}
	return &Scaffold{
		capabilities: make(map[string]*Capability),
		capacity:     capacity,
		snapshotPath: snapshotPath,
		executor:     executor,
		memories:     memories,
		now:          time.Now,
	}
}

// Add registers a new capability at Conception/v1. An existing name
// behaves as Evolve. Source is validated before any registry mutation.
func (s *Scaffold) Add(name, description string, typ CapabilityType, sourceCode string, dependencies []string) (*Capability, error) {
	s.mu.RLock()
	_, exists := s.capabilities[name]
	s.mu.RUnlock()
	if exists {
		return s.Evolve(name, sourceCode, description)
	}

	if err := ValidateSource(name, sourceCode); err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Re-check under the write lock; a same-name insert may have landed
	// while validating.
	if _, exists := s.capabilities[name]; exists {
		s.mu.Unlock()
		return s.Evolve(name, sourceCode, description)
	}

	now := s.now()
	cap := &Capability{
		Name:           name,
		Description:    description,
		Type:           typ,
		SourceCode:     sourceCode,
		Stage:          StageConception,
		Version:        1,
		Dependencies:   append([]string(nil), dependencies...),
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	s.capabilities[name] = cap
	s.pruneLocked()
	s.persistLocked()
	out := cap.clone()
	s.mu.Unlock()

	if s.memories != nil {
		s.memories.Add(
			fmt.Sprintf("New capability registered: %s (%s)", name, typ),
			memory.TypeLearning, 0.9,
			map[string]string{"capability": name, "version": "1"},
		)
	}

	logging.Scaffold("Added capability %s (%s, v1, %s)", name, typ, StageConception)
	return out, nil
}

// Evolve replaces a capability with a new immutable version: version+1,
// counters reset, createdAt preserved, stage promoted exactly one step
// when the prior version's success rate and usage cleared the gate.
// Appends to the evolution history.
func (s *Scaffold) Evolve(name, newSourceCode, description string) (*Capability, error) {
	s.mu.RLock()
	prev, exists := s.capabilities[name]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}

	if err := ValidateSource(name, newSourceCode); err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Re-read under the write lock; the capability may have evolved since.
	prev, exists = s.capabilities[name]
	if !exists {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	nextStage := prev.Stage
	if prev.SuccessRate() > promotionSuccessRate && prev.UseCount > promotionUseCount {
		nextStage = prev.Stage.Next()
	}

	if description == "" {
		description = prev.Description
	}

	now := s.now()
	next := &Capability{
		Name:           name,
		Description:    description,
		Type:           prev.Type,
		SourceCode:     newSourceCode,
		Stage:          nextStage,
		Version:        prev.Version + 1,
		Dependencies:   append([]string(nil), prev.Dependencies...),
		CreatedAt:      prev.CreatedAt,
		LastModifiedAt: now,
	}
	s.capabilities[name] = next

	event := &EvolutionEvent{
		Name:        name,
		FromVersion: prev.Version,
		ToVersion:   next.Version,
		FromStage:   prev.Stage,
		ToStage:     next.Stage,
		Timestamp:   now,
	}
	s.history = append(s.history, event)

	s.persistLocked()
	out := next.clone()
	s.mu.Unlock()

	if s.memories != nil {
		s.memories.Add(
			fmt.Sprintf("Capability evolved: %s v%d -> v%d (%s -> %s)",
				name, event.FromVersion, event.ToVersion, event.FromStage, event.ToStage),
			memory.TypeLearning, 0.8,
			map[string]string{"capability": name},
		)
	}

	logging.Scaffold("Evolved %s: v%d -> v%d, %s -> %s", name, event.FromVersion, event.ToVersion, event.FromStage, event.ToStage)
	return out, nil
}

// Validate checks source against the capability contract without
// touching the registry.
func (s *Scaffold) Validate(name, sourceCode string) error {
	return ValidateSource(name, sourceCode)
}

// Compile builds the capability's handle if it is not already cached.
func (s *Scaffold) Compile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compileLocked(name)
}

func (s *Scaffold) compileLocked(name string) error {
	cap, exists := s.capabilities[name]
	if !exists {
		return ErrNotFound
	}
	if cap.handle != nil {
		return nil
	}

	handle, err := s.executor.Compile(name, cap.SourceCode)
	if err != nil {
		return err
	}
	cap.handle = handle
	return nil
}

// Call compiles the capability if needed and invokes it. Usage and
// outcome counters are always updated for an executed call; the
// capability's own fault is re-raised to the caller unchanged after
// bookkeeping. An unknown name returns ErrNotFound with no mutation;
// a compilation failure is likewise structural and mutates nothing.
func (s *Scaffold) Call(ctx context.Context, name string, args ...string) (string, error) {
	s.mu.Lock()
	cap, exists := s.capabilities[name]
	if !exists {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	if err := s.compileLocked(name); err != nil {
		s.mu.Unlock()
		return "", err
	}
	handle := cap.handle
	s.mu.Unlock()

	result, callErr := s.executor.Execute(ctx, name, handle, args...)

	s.mu.Lock()
	cap.UseCount++
	cap.LastUsedAt = s.now()
	if callErr != nil {
		cap.FailureCount++
	} else {
		cap.SuccessCount++
	}
	s.persistLocked()
	s.mu.Unlock()

	if callErr != nil {
		logging.ScaffoldDebug("Call %s failed: %v", name, callErr)
		return "", callErr
	}
	logging.ScaffoldDebug("Call %s succeeded (%d bytes)", name, len(result))
	return result, nil
}

// Get returns a copy of the capability, without its compiled handle.
func (s *Scaffold) Get(name string) (*Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cap, exists := s.capabilities[name]
	if !exists {
		return nil, false
	}
	return cap.clone(), true
}

// List returns copies of all capabilities, sorted by name.
func (s *Scaffold) List() []*Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Capability, 0, len(s.capabilities))
	for _, cap := range s.capabilities {
		out = append(out, cap.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find filters by type and stage (empty means any) and a minimum
// success rate, sorted by success rate descending.
func (s *Scaffold) Find(typ CapabilityType, stage Stage, minSuccessRate float64) []*Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Capability
	for _, cap := range s.capabilities {
		if typ != "" && cap.Type != typ {
			continue
		}
		if stage != "" && cap.Stage != stage {
			continue
		}
		if cap.SuccessRate() < minSuccessRate {
			continue
		}
		out = append(out, cap.clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate() != out[j].SuccessRate() {
			return out[i].SuccessRate() > out[j].SuccessRate()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Analyze reports registry composition and evolution opportunities.
func (s *Scaffold) Analyze() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &Report{
		ByType:  make(map[CapabilityType]int),
		ByStage: make(map[Stage]int),
	}

	totalSuccess, totalOutcomes := 0, 0
	names := make([]string, 0, len(s.capabilities))
	for name := range s.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cap := s.capabilities[name]
		report.Total++
		report.ByType[cap.Type]++
		report.ByStage[cap.Stage]++
		totalSuccess += cap.SuccessCount
		totalOutcomes += cap.SuccessCount + cap.FailureCount

		calls := cap.SuccessCount + cap.FailureCount
		if calls >= analysisMinCalls && cap.SuccessRate() < failureRateMediumBound {
			priority := "medium"
			if cap.SuccessRate() < failureRateHighBound {
				priority = "high"
			}
			report.Opportunities = append(report.Opportunities, Opportunity{
				Capability:  name,
				Kind:        "high_failure_rate",
				Priority:    priority,
				Description: fmt.Sprintf("%s succeeds only %.0f%% of the time over %d calls", name, cap.SuccessRate()*100, calls),
			})
		}

		if (cap.Stage == StageConception || cap.Stage == StagePrototype) && cap.Version > stuckInEarlyStageAfterV {
			report.Opportunities = append(report.Opportunities, Opportunity{
				Capability:  name,
				Kind:        "stuck_in_early_stage",
				Priority:    "medium",
				Description: fmt.Sprintf("%s is still at %s after %d versions", name, cap.Stage, cap.Version),
			})
		}
	}

	if totalOutcomes > 0 {
		report.OverallSuccessRate = float64(totalSuccess) / float64(totalOutcomes)
	}
	return report
}

// History returns a copy of the evolution history, oldest first.
func (s *Scaffold) History() []*EvolutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EvolutionEvent, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of registered capabilities.
func (s *Scaffold) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.capabilities)
}

// Save snapshots the capability table and evolution history.
// Compiled handles are transient and never persisted.
func (s *Scaffold) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

// Load replaces in-memory state with the snapshot on disk. Handles are
// rebuilt lazily on first Call. A missing snapshot is not an error.
func (s *Scaffold) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap snapshot
	if err := store.LoadSnapshot(s.snapshotPath, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if snap.Capabilities == nil {
		snap.Capabilities = make(map[string]*Capability)
	}
	s.capabilities = snap.Capabilities
	s.history = snap.History

	logging.Scaffold("Loaded %d capabilities, %d evolution events from %s",
		len(s.capabilities), len(s.history), s.snapshotPath)
	return nil
}

// pruneLocked removes lowest-useCount capabilities over capacity.
func (s *Scaffold) pruneLocked() {
	for len(s.capabilities) > s.capacity {
		var victim *Capability
		for _, cap := range s.capabilities {
			if victim == nil || cap.UseCount < victim.UseCount ||
				(cap.UseCount == victim.UseCount && cap.Name < victim.Name) {
				victim = cap
			}
		}
		logging.ScaffoldDebug("Pruning capability %s (useCount=%d)", victim.Name, victim.UseCount)
		delete(s.capabilities, victim.Name)
	}
}

func (s *Scaffold) save() error {
	if s.snapshotPath == "" {
		return nil
	}
	return store.SaveSnapshot(s.snapshotPath, snapshot{
		Capabilities: s.capabilities,
		History:      s.history,
	})
}

// persistLocked saves best-effort; failures degrade to in-memory.
func (s *Scaffold) persistLocked() {
	if err := s.save(); err != nil {
		logging.Get(logging.CategoryScaffold).Error("Persistence failed, continuing in-memory: %v", err)
	}
}
