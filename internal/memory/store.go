// Package memory implements the bounded, typed, importance-ranked
// memory log. Records are ranked by a blend of importance and recency,
// evicted lowest-importance-first over capacity, and snapshotted to
// .deskmind/memory.json after every mutation.
package memory

import (
	"errors"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"deskmind/internal/logging"
	"deskmind/internal/store"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity bounds the store before importance-based eviction.
	DefaultCapacity = 1000

	// DefaultQueryLimit is applied when Query.Limit is zero.
	DefaultQueryLimit = 10

	// maxAge is the recency horizon: records older than this score 0 recency.
	maxAge = 30 * 24 * time.Hour
)

// Store is the durable, bounded memory log.
// Designed for a single writer; the mutex guards against accidental
// concurrent use, not for throughput.
type Store struct {
	mu           sync.RWMutex
	records      []*Record // Insertion order
	capacity     int
	snapshotPath string
	now          func() time.Time
}

// snapshot is the on-disk document shape.
type snapshot struct {
	Memories []*Record `json:"memories"`
}

// NewStore creates a memory store that snapshots to snapshotPath.
// A non-positive capacity falls back to DefaultCapacity.
func NewStore(capacity int, snapshotPath string) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:     capacity,
		snapshotPath: snapshotPath,
		now:          time.Now,
	}
}

// Add appends a record, evicts if over capacity, and persists.
// Importance is clamped to [0,1]. Persistence failure is logged and
// never aborts the in-memory mutation.
func (s *Store) Add(content string, typ Type, importance float64, metadata map[string]string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	importance = clamp01(importance)
	now := s.now()

	rec := &Record{
		ID:             uuid.New().String(),
		Content:        content,
		Type:           typ,
		Importance:     importance,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.records = append(s.records, rec)

	logging.MemoryDebug("Added %s memory %s (importance=%.2f)", typ, rec.ID, importance)

	s.evict()
	s.persist()

	return rec
}

// Query filters, ranks, and returns up to Limit records. Ranking is
// importance*(1-w) + recency*w with w = Query.RecencyWeight; ties keep
// insertion order. Returned records are marked accessed and the update
// is persisted.
func (s *Store) Query(q Query) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	now := s.now()
	needle := strings.ToLower(q.TextContains)

	var matched []*Record
	for _, rec := range s.records {
		if q.Type != "" && rec.Type != q.Type {
			continue
		}
		if rec.Importance < q.MinImportance {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(rec.Content), needle) {
			continue
		}
		matched = append(matched, rec)
	}

	w := clamp01(q.RecencyWeight)
	sort.SliceStable(matched, func(i, j int) bool {
		return s.score(matched[i], now, w) > s.score(matched[j], now, w)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	for _, rec := range matched {
		rec.AccessCount++
		rec.LastAccessedAt = now
	}
	if len(matched) > 0 {
		s.persist()
	}

	logging.MemoryDebug("Query matched %d records (type=%q contains=%q)", len(matched), q.Type, q.TextContains)

	out := make([]*Record, len(matched))
	copy(out, matched)
	return out
}

// Forget removes the record with the given id.
// Returns false for an unknown id; nothing changes.
func (s *Store) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			s.persist()
			logging.MemoryDebug("Forgot memory %s", id)
			return true
		}
	}
	return false
}

// Clear removes all records of the given type, or everything when typ
// is empty. Returns the removed count.
func (s *Store) Clear(typ Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if typ == "" {
		removed := len(s.records)
		s.records = nil
		s.persist()
		logging.Memory("Cleared all %d memories", removed)
		return removed
	}

	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if rec.Type == typ {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	if removed > 0 {
		s.persist()
	}
	logging.Memory("Cleared %d %s memories", removed, typ)
	return removed
}

// Summarize aggregates the store, optionally restricted to one type.
func (s *Store) Summarize(typ Type) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{TypeBreakdown: make(map[Type]int)}
	total := 0.0

	for _, rec := range s.records {
		if typ != "" && rec.Type != typ {
			continue
		}
		sum.Count++
		sum.TypeBreakdown[rec.Type]++
		total += rec.Importance

		if sum.Oldest.IsZero() || rec.CreatedAt.Before(sum.Oldest) {
			sum.Oldest = rec.CreatedAt
		}
		if rec.CreatedAt.After(sum.Newest) {
			sum.Newest = rec.CreatedAt
		}
	}

	if sum.Count > 0 {
		sum.MeanImportance = total / float64(sum.Count)
	}
	return sum
}

// Len returns the current record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Save snapshots the store to disk (atomic replace).
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

// Load replaces the in-memory state with the snapshot on disk.
// A missing snapshot leaves the store empty and is not an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap snapshot
	if err := store.LoadSnapshot(s.snapshotPath, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	s.records = snap.Memories
	logging.Memory("Loaded %d memories from %s", len(s.records), s.snapshotPath)
	return nil
}

// score blends importance and recency for ranking.
func (s *Store) score(rec *Record, now time.Time, w float64) float64 {
	age := now.Sub(rec.CreatedAt)
	recency := 1 - math.Min(float64(age)/float64(maxAge), 1)
	return rec.Importance*(1-w) + recency*w
}

// evict drops lowest-importance records (ties: earliest createdAt)
// until the store is back at capacity. Caller holds the lock.
func (s *Store) evict() {
	for len(s.records) > s.capacity {
		victim := 0
		for i := 1; i < len(s.records); i++ {
			r, v := s.records[i], s.records[victim]
			if r.Importance < v.Importance ||
				(r.Importance == v.Importance && r.CreatedAt.Before(v.CreatedAt)) {
				victim = i
			}
		}
		logging.MemoryDebug("Evicting memory %s (importance=%.3f)", s.records[victim].ID, s.records[victim].Importance)
		s.records = append(s.records[:victim], s.records[victim+1:]...)
	}
}

// save writes the snapshot. Caller holds at least a read lock.
func (s *Store) save() error {
	if s.snapshotPath == "" {
		return nil
	}
	return store.SaveSnapshot(s.snapshotPath, snapshot{Memories: s.records})
}

// persist saves best-effort: an I/O error degrades to in-memory-only
// operation and is logged. Caller holds the lock.
func (s *Store) persist() {
	if err := s.save(); err != nil {
		logging.Get(logging.CategoryMemory).Error("Persistence failed, continuing in-memory: %v", err)
	}
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
