package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deskmind/internal/memory"
	"deskmind/internal/scaffold"
	"deskmind/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const pingSource = `func Ping(args ...string) (string, error) {
	return "pong", nil
}`

const faultSource = `import "errors"

func Faulty(args ...string) (string, error) {
	return "", errors.New("boom")
}`

type fixture struct {
	orch     *Orchestrator
	scaffold *scaffold.Scaffold
	memories *memory.Store
	ledger   *store.CallLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	memories := memory.NewStore(1000, filepath.Join(dir, "memory.json"))
	sc := scaffold.NewScaffold(100, filepath.Join(dir, "scaffold.json"),
		scaffold.NewExecutor(2*time.Second), memories)

	ledger, err := store.NewCallLedger(filepath.Join(dir, "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	return &fixture{
		orch:     New(sc, memories, ledger),
		scaffold: sc,
		memories: memories,
		ledger:   ledger,
	}
}

// driveCalls issues n orchestrated calls, ignoring individual outcomes.
func driveCalls(t *testing.T, f *fixture, name string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.orch.Call(context.Background(), name) //nolint:errcheck
	}
}

// promoteToStable walks a capability through two qualifying evolutions
// (Conception -> Prototype -> Stable) using real call traffic.
func promoteToStable(t *testing.T, f *fixture, name, src string) {
	t.Helper()
	for i := 0; i < 2; i++ {
		driveCalls(t, f, name, 12)
		_, err := f.scaffold.Evolve(name, src, "")
		require.NoError(t, err)
	}
	cap, ok := f.scaffold.Get(name)
	require.True(t, ok)
	require.Equal(t, scaffold.StageStable, cap.Stage)
}

func TestCallRecordsOutcome(t *testing.T) {
	f := newFixture(t)

	_, err := f.scaffold.Add("Ping", "", scaffold.TypeCore, pingSource, nil)
	require.NoError(t, err)

	result, err := f.orch.Call(context.Background(), "Ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	// Outcome recorded as a procedural memory at success importance.
	records := f.memories.Query(memory.Query{Type: memory.TypeProcedural})
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Content, "Ping")
	assert.InDelta(t, 0.4, records[0].Importance, 1e-9)

	// And in the call ledger.
	calls, err := f.ledger.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "Ping", calls[0].Capability)
	assert.True(t, calls[0].Success)
}

func TestCallFaultRecordedAndReRaised(t *testing.T) {
	f := newFixture(t)

	_, err := f.scaffold.Add("Faulty", "", scaffold.TypeCore, faultSource, nil)
	require.NoError(t, err)

	_, err = f.orch.Call(context.Background(), "Faulty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	records := f.memories.Query(memory.Query{Type: memory.TypeProcedural})
	require.Len(t, records, 1)
	assert.InDelta(t, 0.7, records[0].Importance, 1e-9)

	calls, err := f.ledger.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
	assert.Contains(t, calls[0].Error, "boom")
}

func TestCallUnknownNameNotRecorded(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Call(context.Background(), "Missing")
	require.ErrorIs(t, err, scaffold.ErrNotFound)

	assert.Empty(t, f.memories.Query(memory.Query{Type: memory.TypeProcedural}))
	calls, err := f.ledger.GetRecent(10)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestSuggestHeavyUsage(t *testing.T) {
	f := newFixture(t)

	src := `func Hot(args ...string) (string, error) {
	return "ok", nil
}`
	_, err := f.scaffold.Add("Hot", "", scaffold.TypeCore, src, nil)
	require.NoError(t, err)

	promoteToStable(t, f, "Hot", src)
	driveCalls(t, f, "Hot", 21)

	suggestions := f.orch.Suggest()
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "Hot", suggestions[0].Capability)
	assert.Equal(t, "heavy_usage", suggestions[0].Kind)
	assert.Equal(t, StrategyPerformanceOptimization, suggestions[0].Strategy)
}

func TestSuggestLongSource(t *testing.T) {
	f := newFixture(t)

	var b strings.Builder
	b.WriteString("func Long(args ...string) (string, error) {\n")
	b.WriteString("\tn := 0\n")
	for i := 0; i < 35; i++ {
		fmt.Fprintf(&b, "\tn += %d\n", i)
	}
	b.WriteString("\treturn \"\", nil\n}")

	_, err := f.scaffold.Add("Long", "", scaffold.TypeCore, b.String(), nil)
	require.NoError(t, err)

	suggestions := f.orch.Suggest()
	require.Len(t, suggestions, 1)
	assert.Equal(t, "long_source", suggestions[0].Kind)
	assert.Equal(t, StrategyCodeCleanup, suggestions[0].Strategy)
}

func TestSuggestMergesScaffoldOpportunities(t *testing.T) {
	f := newFixture(t)

	_, err := f.scaffold.Add("Failing", "", scaffold.TypeCore, `import "errors"

func Failing(args ...string) (string, error) {
	return "", errors.New("always down")
}`, nil)
	require.NoError(t, err)

	driveCalls(t, f, "Failing", 10)

	suggestions := f.orch.Suggest()
	require.Len(t, suggestions, 1)
	assert.Equal(t, "high_failure_rate", suggestions[0].Kind)
	assert.Equal(t, "high", suggestions[0].Priority)
	assert.Equal(t, StrategyErrorCorrection, suggestions[0].Strategy)
}

func TestSuggestPriorityOrdering(t *testing.T) {
	f := newFixture(t)

	hotSrc := `func Hot(args ...string) (string, error) {
	return "ok", nil
}`
	_, err := f.scaffold.Add("Hot", "", scaffold.TypeCore, hotSrc, nil)
	require.NoError(t, err)
	promoteToStable(t, f, "Hot", hotSrc)
	driveCalls(t, f, "Hot", 21) // medium-priority heavy usage

	_, err = f.scaffold.Add("Failing", "", scaffold.TypeCore, `import "errors"

func Failing(args ...string) (string, error) {
	return "", errors.New("always down")
}`, nil)
	require.NoError(t, err)
	driveCalls(t, f, "Failing", 10) // high-priority failure rate

	suggestions := f.orch.Suggest()
	require.Len(t, suggestions, 2)
	assert.Equal(t, "high", suggestions[0].Priority)
	assert.Equal(t, "Failing", suggestions[0].Capability)
	assert.Equal(t, "medium", suggestions[1].Priority)
	assert.Equal(t, "Hot", suggestions[1].Capability)
}

func TestAutoEvolveAppliesStrategies(t *testing.T) {
	f := newFixture(t)

	_, err := f.scaffold.Add("Failing", "", scaffold.TypeCore, `import "errors"

func Failing(args ...string) (string, error) {
	return "", errors.New("always down")
}`, nil)
	require.NoError(t, err)
	driveCalls(t, f, "Failing", 10)

	results := f.orch.AutoEvolve(1)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Err)
	assert.Equal(t, 2, results[0].NewVersion)
	assert.Equal(t, StrategyErrorCorrection, results[0].Strategy)

	// The error-correction strategy inserted a guard; the evolved source
	// still validates and loads.
	cap, ok := f.scaffold.Get("Failing")
	require.True(t, ok)
	assert.Contains(t, cap.SourceCode, "if args == nil")
	assert.Equal(t, 0, cap.UseCount, "evolution resets counters")
}

func TestAutoEvolveCustomStrategy(t *testing.T) {
	f := newFixture(t)

	src := `func Hot(args ...string) (string, error) {
	return "warm", nil
}`
	_, err := f.scaffold.Add("Hot", "", scaffold.TypeCore, src, nil)
	require.NoError(t, err)
	promoteToStable(t, f, "Hot", src)
	driveCalls(t, f, "Hot", 21)

	f.orch.RegisterStrategy(StrategyPerformanceOptimization, func(cap *scaffold.Capability) (string, error) {
		return strings.Replace(cap.SourceCode, `"warm"`, `"hot"`, 1), nil
	})

	results := f.orch.AutoEvolve(1)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Err)

	result, err := f.orch.Call(context.Background(), "Hot")
	require.NoError(t, err)
	assert.Equal(t, "hot", result)
}
