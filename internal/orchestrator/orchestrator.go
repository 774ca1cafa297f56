// Package orchestrator is the façade the host agent calls: it resolves
// capability names through the scaffold, records call outcomes as
// memories and ledger rows, produces usage-driven evolution
// suggestions, and applies the top suggestions via pluggable
// source-transform strategies.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"deskmind/internal/logging"
	"deskmind/internal/memory"
	"deskmind/internal/scaffold"
	"deskmind/internal/store"

	"github.com/google/uuid"
)

const (
	// Usage-driven suggestion gates.
	optimizationUseCount = 20
	cleanupLogicalLines  = 30
)

// Suggestion is one evolution candidate with the strategy that would
// realize it.
type Suggestion struct {
	Capability string `json:"capability"`
	Kind       string `json:"kind"`
	Priority   string `json:"priority"` // high, medium, low
	Reason     string `json:"reason"`
	Strategy   string `json:"strategy"`
}

// EvolveResult reports one AutoEvolve application.
type EvolveResult struct {
	Capability string `json:"capability"`
	Strategy   string `json:"strategy"`
	NewVersion int    `json:"new_version,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Orchestrator wires the scaffold to the memory store and call ledger.
// The ledger may be nil (disabled); the memory store may be nil in
// tests.
type Orchestrator struct {
	scaffold   *scaffold.Scaffold
	memories   *memory.Store
	ledger     *store.CallLedger
	strategies map[string]Strategy
	now        func() time.Time
}

// New creates an orchestrator with the default strategy set.
func New(sc *scaffold.Scaffold, memories *memory.Store, ledger *store.CallLedger) *Orchestrator {
	return &Orchestrator{
		scaffold:   sc,
		memories:   memories,
		ledger:     ledger,
		strategies: defaultStrategies(),
		now:        time.Now,
	}
}

// RegisterStrategy adds or replaces a named evolution strategy.
func (o *Orchestrator) RegisterStrategy(name string, s Strategy) {
	o.strategies[name] = s
}

// Call invokes a capability through the scaffold and records the
// outcome. Structural failures (unknown name, compilation) are passed
// through without recording; executed calls are logged to the memory
// store and the call ledger regardless of outcome. The capability's
// own fault is returned unchanged.
func (o *Orchestrator) Call(ctx context.Context, name string, args ...string) (string, error) {
	start := o.now()
	result, err := o.scaffold.Call(ctx, name, args...)
	duration := o.now().Sub(start)

	if err != nil && (errors.Is(err, scaffold.ErrNotFound) || errors.Is(err, scaffold.ErrCompilation)) {
		return "", err
	}

	o.recordOutcome(name, args, result, err, duration)

	if err != nil {
		return "", err
	}
	return result, nil
}

// recordOutcome logs an executed call to memory and the ledger.
// Both are best-effort.
func (o *Orchestrator) recordOutcome(name string, args []string, result string, callErr error, duration time.Duration) {
	if o.memories != nil {
		content := fmt.Sprintf("Capability call succeeded: %s", name)
		importance := 0.4
		if callErr != nil {
			content = fmt.Sprintf("Capability call failed: %s: %v", name, callErr)
			importance = 0.7
		}
		o.memories.Add(content, memory.TypeProcedural, importance,
			map[string]string{"capability": name})
	}

	if o.ledger == nil {
		return
	}

	version := 0
	if cap, ok := o.scaffold.Get(name); ok {
		version = cap.Version
	}
	argsJSON, _ := json.Marshal(args)
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	}

	rec := store.CallRecord{
		CallID:     uuid.New().String(),
		Capability: name,
		Version:    version,
		Args:       string(argsJSON),
		Result:     result,
		Error:      errText,
		Success:    callErr == nil,
		DurationMs: duration.Milliseconds(),
	}
	if err := o.ledger.Record(rec); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("Ledger write failed: %v", err)
	}
}

// Analyze returns the scaffold's registry report.
func (o *Orchestrator) Analyze() *scaffold.Report {
	return o.scaffold.Analyze()
}

// Suggest produces usage-driven evolution suggestions: heavily used
// mature capabilities get a performance pass, long sources a cleanup
// pass, and the scaffold's own opportunities are merged in with
// matching strategies. Ordered by priority, then capability name.
func (o *Orchestrator) Suggest() []Suggestion {
	var suggestions []Suggestion

	for _, cap := range o.scaffold.List() {
		if cap.Stage.Rank() >= scaffold.StageStable.Rank() && cap.UseCount > optimizationUseCount {
			suggestions = append(suggestions, Suggestion{
				Capability: cap.Name,
				Kind:       "heavy_usage",
				Priority:   "medium",
				Reason:     fmt.Sprintf("%s is %s and has %d uses", cap.Name, cap.Stage, cap.UseCount),
				Strategy:   StrategyPerformanceOptimization,
			})
		}
		if lines := logicalLines(cap.SourceCode); lines > cleanupLogicalLines {
			suggestions = append(suggestions, Suggestion{
				Capability: cap.Name,
				Kind:       "long_source",
				Priority:   "low",
				Reason:     fmt.Sprintf("%s has %d logical lines", cap.Name, lines),
				Strategy:   StrategyCodeCleanup,
			})
		}
	}

	for _, opp := range o.scaffold.Analyze().Opportunities {
		strategy := StrategyErrorCorrection
		if opp.Kind == "stuck_in_early_stage" {
			strategy = StrategyFeatureAddition
		}
		suggestions = append(suggestions, Suggestion{
			Capability: opp.Capability,
			Kind:       opp.Kind,
			Priority:   opp.Priority,
			Reason:     opp.Description,
			Strategy:   strategy,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		pi, pj := priorityRank(suggestions[i].Priority), priorityRank(suggestions[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return suggestions[i].Capability < suggestions[j].Capability
	})

	logging.OrchestratorDebug("Produced %d evolution suggestions", len(suggestions))
	return suggestions
}

// AutoEvolve applies the top-N suggestions through their strategies.
// Each application transforms the current source and evolves the
// capability; per-capability failures are reported, not fatal.
func (o *Orchestrator) AutoEvolve(topN int) []EvolveResult {
	suggestions := o.Suggest()
	if topN > 0 && len(suggestions) > topN {
		suggestions = suggestions[:topN]
	}

	var results []EvolveResult
	applied := make(map[string]bool)
	for _, sug := range suggestions {
		if applied[sug.Capability] {
			continue // One evolution per capability per pass
		}

		res := EvolveResult{Capability: sug.Capability, Strategy: sug.Strategy}
		if err := o.applyStrategy(sug); err != nil {
			res.Err = err.Error()
		} else {
			applied[sug.Capability] = true
			if cap, ok := o.scaffold.Get(sug.Capability); ok {
				res.NewVersion = cap.Version
			}
		}
		results = append(results, res)
	}

	logging.Orchestrator("AutoEvolve applied %d of %d suggestions", len(applied), len(suggestions))
	return results
}

func (o *Orchestrator) applyStrategy(sug Suggestion) error {
	strategy, ok := o.strategies[sug.Strategy]
	if !ok {
		return fmt.Errorf("unknown strategy %q", sug.Strategy)
	}

	cap, found := o.scaffold.Get(sug.Capability)
	if !found {
		return scaffold.ErrNotFound
	}

	newSource, err := strategy(cap)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", sug.Strategy, err)
	}

	_, err = o.scaffold.Evolve(sug.Capability, newSource, "")
	return err
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}
