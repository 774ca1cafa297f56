package scaffold

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingSource = `func Ping(args ...string) (string, error) {
	return "pong", nil
}`

const echoSource = `import "strings"

func Echo(args ...string) (string, error) {
	return strings.Join(args, " "), nil
}`

const failSource = `import "errors"

func Flaky(args ...string) (string, error) {
	return "", errors.New("deliberate fault")
}`

func newTestScaffold(t *testing.T) *Scaffold {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scaffold.json")
	return NewScaffold(100, path, NewExecutor(2*time.Second), nil)
}

func TestAddNewCapability(t *testing.T) {
	s := newTestScaffold(t)

	cap, err := s.Add("Ping", "liveness probe", TypeCore, pingSource, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, cap.Version)
	assert.Equal(t, StageConception, cap.Stage)
	assert.Equal(t, 0, cap.UseCount)
	assert.Equal(t, cap.CreatedAt, cap.LastModifiedAt)
}

func TestAddRejectsInvalidSource(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Bad", "", TypeCore, `import "os"
func Bad(args ...string) (string, error) { return os.Getenv("X"), nil }`, nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, s.Len(), "rejected source must not mutate the registry")
}

func TestAddExistingNameEvolves(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Ping", "v1", TypeCore, pingSource, nil)
	require.NoError(t, err)

	again, err := s.Add("Ping", "v2", TypeCore, pingSource, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
	assert.Len(t, s.History(), 1)
}

func TestAddConcurrentSameName(t *testing.T) {
	s := newTestScaffold(t)

	// Every racing Add either creates v1 exactly once or evolves; no
	// insert may overwrite an existing capability back to v1.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cap, ok := s.Get("Ping")
	require.True(t, ok)
	assert.Equal(t, workers, cap.Version)
	assert.Len(t, s.History(), workers-1)
}

func TestEvolveVersioningAndPromotion(t *testing.T) {
	s := newTestScaffold(t)

	first, err := s.Add("Ping", "liveness probe", TypeCore, pingSource, nil)
	require.NoError(t, err)

	// Prior version cleared the promotion gate: rate 0.95, 15 uses.
	s.capabilities["Ping"].SuccessCount = 19
	s.capabilities["Ping"].FailureCount = 1
	s.capabilities["Ping"].UseCount = 15

	evolved, err := s.Evolve("Ping", pingSource, "")
	require.NoError(t, err)

	assert.Equal(t, 2, evolved.Version)
	assert.Equal(t, StagePrototype, evolved.Stage)
	assert.Equal(t, 0, evolved.SuccessCount, "counters reset on evolve")
	assert.Equal(t, 0, evolved.UseCount)
	assert.Equal(t, first.CreatedAt, evolved.CreatedAt, "createdAt preserved")
	assert.Equal(t, "liveness probe", evolved.Description, "empty description keeps the old one")

	// Old version not independently retrievable.
	current, ok := s.Get("Ping")
	require.True(t, ok)
	assert.Equal(t, 2, current.Version)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].FromVersion)
	assert.Equal(t, 2, history[0].ToVersion)
	assert.Equal(t, StageConception, history[0].FromStage)
	assert.Equal(t, StagePrototype, history[0].ToStage)
}

func TestEvolveWithoutPromotionGate(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
	require.NoError(t, err)

	// High success rate but too few uses: stage carries over.
	s.capabilities["Ping"].SuccessCount = 5
	s.capabilities["Ping"].UseCount = 5

	evolved, err := s.Evolve("Ping", pingSource, "")
	require.NoError(t, err)
	assert.Equal(t, StageConception, evolved.Stage)
}

func TestStageMonotonic(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
	require.NoError(t, err)

	prevRank := StageConception.Rank()
	for i := 0; i < 6; i++ {
		// Alternate qualifying and non-qualifying histories.
		if i%2 == 0 {
			s.capabilities["Ping"].SuccessCount = 20
			s.capabilities["Ping"].FailureCount = 0
			s.capabilities["Ping"].UseCount = 20
		}
		evolved, err := s.Evolve("Ping", pingSource, "")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, evolved.Stage.Rank(), prevRank)
		prevRank = evolved.Stage.Rank()
	}
}

func TestEvolveUnknownName(t *testing.T) {
	s := newTestScaffold(t)
	_, err := s.Evolve("Ghost", pingSource, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallExecutesSource(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
	require.NoError(t, err)

	result, err := s.Call(context.Background(), "Ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	cap, _ := s.Get("Ping")
	assert.Equal(t, 1, cap.UseCount)
	assert.Equal(t, 1, cap.SuccessCount)
	assert.Equal(t, 0, cap.FailureCount)
	assert.False(t, cap.LastUsedAt.IsZero())
}

func TestCallPassesArgs(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Echo", "", TypeCore, echoSource, nil)
	require.NoError(t, err)

	result, err := s.Call(context.Background(), "Echo", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", result)
}

func TestCallFaultBookkeeping(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Flaky", "", TypeCore, failSource, nil)
	require.NoError(t, err)

	_, err = s.Call(context.Background(), "Flaky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliberate fault", "fault re-raised unchanged")

	cap, _ := s.Get("Flaky")
	assert.Equal(t, 1, cap.UseCount, "use counted even on fault")
	assert.Equal(t, 1, cap.FailureCount)
	assert.Equal(t, 0, cap.SuccessCount)
}

func TestCallUnknownNameNoMutation(t *testing.T) {
	s := newTestScaffold(t)

	_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
	require.NoError(t, err)

	_, err = s.Call(context.Background(), "Missing")
	require.ErrorIs(t, err, ErrNotFound)

	cap, _ := s.Get("Ping")
	assert.Equal(t, 0, cap.UseCount, "no counters anywhere change")
	assert.Equal(t, 0, cap.SuccessCount)
	assert.Equal(t, 0, cap.FailureCount)
}

func TestCallTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaffold.json")
	s := NewScaffold(100, path, NewExecutor(100*time.Millisecond), nil)

	_, err := s.Add("Sleepy", "", TypeCore, `import "time"

func Sleepy(args ...string) (string, error) {
	time.Sleep(10 * time.Second)
	return "done", nil
}`, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Call(context.Background(), "Sleepy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)

	cap, _ := s.Get("Sleepy")
	assert.Equal(t, 1, cap.FailureCount, "timeout counts as a failed call")
}

func TestFindSortedBySuccessRate(t *testing.T) {
	s := newTestScaffold(t)

	for _, name := range []string{"A", "B", "C"} {
		src := fmt.Sprintf("func %s(args ...string) (string, error) { return %q, nil }", name, name)
		_, err := s.Add(name, "", TypeAnalysis, src, nil)
		require.NoError(t, err)
	}
	s.capabilities["A"].SuccessCount, s.capabilities["A"].FailureCount = 1, 9
	s.capabilities["B"].SuccessCount, s.capabilities["B"].FailureCount = 9, 1
	s.capabilities["C"].SuccessCount, s.capabilities["C"].FailureCount = 5, 5

	found := s.Find(TypeAnalysis, "", 0)
	require.Len(t, found, 3)
	assert.Equal(t, "B", found[0].Name)
	assert.Equal(t, "C", found[1].Name)
	assert.Equal(t, "A", found[2].Name)

	found = s.Find("", "", 0.4)
	require.Len(t, found, 2)
}

func TestAnalyzeOpportunities(t *testing.T) {
	s := newTestScaffold(t)

	for _, name := range []string{"Healthy", "Shaky", "Failing", "Stuck"} {
		src := fmt.Sprintf("func %s(args ...string) (string, error) { return \"\", nil }", name)
		_, err := s.Add(name, "", TypeCore, src, nil)
		require.NoError(t, err)
	}

	s.capabilities["Healthy"].SuccessCount = 10
	s.capabilities["Shaky"].SuccessCount, s.capabilities["Shaky"].FailureCount = 6, 4  // 0.6
	s.capabilities["Failing"].SuccessCount, s.capabilities["Failing"].FailureCount = 2, 8 // 0.2
	s.capabilities["Stuck"].Version = 3

	report := s.Analyze()
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.ByType[TypeCore])
	assert.Equal(t, 4, report.ByStage[StageConception])

	kinds := map[string]string{}
	for _, opp := range report.Opportunities {
		kinds[opp.Capability+"/"+opp.Kind] = opp.Priority
	}
	assert.Equal(t, "medium", kinds["Shaky/high_failure_rate"])
	assert.Equal(t, "high", kinds["Failing/high_failure_rate"])
	assert.Equal(t, "medium", kinds["Stuck/stuck_in_early_stage"])
	assert.NotContains(t, kinds, "Healthy/high_failure_rate")
}

func TestCapacityPruning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaffold.json")
	s := NewScaffold(2, path, NewExecutor(time.Second), nil)

	for _, name := range []string{"One", "Two", "Three"} {
		src := fmt.Sprintf("func %s(args ...string) (string, error) { return \"\", nil }", name)
		_, err := s.Add(name, "", TypeCore, src, nil)
		require.NoError(t, err)
		// Registered capabilities accrue usage; the fresh one is the
		// lowest-useCount victim when capacity is exceeded.
		if existing, ok := s.capabilities[name]; ok {
			existing.UseCount = 5
		}
	}

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("One")
	assert.True(t, ok)
	_, ok = s.Get("Two")
	assert.True(t, ok)
	_, ok = s.Get("Three")
	assert.False(t, ok, "unused newcomer pruned over capacity")
}

func TestPersistenceFailureDegrades(t *testing.T) {
	// Snapshot path is a directory: every save fails. Registration and
	// call bookkeeping must still land in memory.
	s := NewScaffold(100, t.TempDir(), NewExecutor(2*time.Second), nil)

	_, err := s.Add("Ping", "", TypeCore, pingSource, nil)
	require.NoError(t, err)

	result, err := s.Call(context.Background(), "Ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	cap, ok := s.Get("Ping")
	require.True(t, ok)
	assert.Equal(t, 1, cap.UseCount)
	assert.Equal(t, 1, cap.SuccessCount)

	assert.Error(t, s.Save())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaffold.json")
	s := NewScaffold(100, path, NewExecutor(2*time.Second), nil)

	_, err := s.Add("Ping", "liveness", TypeCore, pingSource, nil)
	require.NoError(t, err)
	_, err = s.Call(context.Background(), "Ping")
	require.NoError(t, err)
	_, err = s.Evolve("Ping", pingSource, "evolved")
	require.NoError(t, err)
	require.NoError(t, s.Save())

	restored := NewScaffold(100, path, NewExecutor(2*time.Second), nil)
	require.NoError(t, restored.Load())

	opts := cmp.Options{cmpopts.IgnoreUnexported(Capability{})}
	if diff := cmp.Diff(s.capabilities, restored.capabilities, opts); diff != "" {
		t.Errorf("capability table differs after round trip (-saved +loaded):\n%s", diff)
	}
	if diff := cmp.Diff(s.history, restored.history); diff != "" {
		t.Errorf("evolution history differs after round trip (-saved +loaded):\n%s", diff)
	}

	// Handles are rebuilt lazily: the restored registry can still call.
	result, err := restored.Call(context.Background(), "Ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}
