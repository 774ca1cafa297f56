package memory

import "time"

// Type classifies what a memory record describes.
type Type string

const (
	TypeSpatial    Type = "spatial"    // Where things are
	TypeTemporal   Type = "temporal"   // When things happened
	TypeContextual Type = "contextual" // Situational context
	TypeProcedural Type = "procedural" // How things were done
	TypeDocument   Type = "document"   // Document state and content
	TypeLearning   Type = "learning"   // Learned behaviors and improvements
)

// Record is a single timestamped, importance-scored memory.
// Owned exclusively by the Store; access bookkeeping mutates
// AccessCount and LastAccessedAt on every successful query.
type Record struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Type           Type              `json:"memory_type"`
	Importance     float64           `json:"importance"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed"`
	AccessCount    int               `json:"access_count"`
}

// Query filters and ranks records. Zero values mean "no filter";
// a zero Limit defaults to DefaultQueryLimit.
type Query struct {
	Type          Type
	TextContains  string
	MinImportance float64
	Limit         int
	RecencyWeight float64
}

// Summary aggregates the store's contents.
type Summary struct {
	Count          int          `json:"count"`
	TypeBreakdown  map[Type]int `json:"type_breakdown"`
	Oldest         time.Time    `json:"oldest"`
	Newest         time.Time    `json:"newest"`
	MeanImportance float64      `json:"mean_importance"`
}
