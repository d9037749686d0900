package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/mcp-memory/internal/model"
)

// Filters is the structured filter set shared by retrieval, random picks and
// stats. Include labels are OR'd together; every exclude label is its own
// AND NOT conjunct. Label and source matching is case-insensitive substring.
type Filters struct {
	// Namespace restricts to one tenant partition; empty means all.
	Namespace string
	// IncludeLabels keeps memories carrying at least one matching label.
	IncludeLabels []string
	// ExcludeLabels drops memories carrying any matching label.
	ExcludeLabels []string
	// Source matches against the source column when non-empty.
	Source string
	// SourceExclude inverts the source match.
	SourceExclude bool
	// PlainOnly restricts to unencrypted rows. Set when no encryption key is
	// configured so undecryptable content never reaches clients.
	PlainOnly bool
}

// SearchQuery drives retrieve_memories. A nil Embedding selects the recency
// path (timestamp DESC); otherwise rows are ranked by cosine similarity
// against the per-dimension embedding table.
type SearchQuery struct {
	Filters
	Embedding []float32
	// Table is the embedding table to search (e.g. "memory_768").
	Table string
	// Model restricts embedding rows to one embedding model.
	Model string
	Limit int
}

// SearchResult pairs a memory with its similarity (semantic path only).
type SearchResult struct {
	Memory     model.Memory
	Similarity float64
}

// CreateMemoryRequest is the input for storing one memory with its first
// embedding row.
type CreateMemoryRequest struct {
	Content   []byte
	Enc       bool
	Namespace string
	Labels    []string
	Source    *string
	Embedding []float32
	Table     string
	Model     string
}

// DuplicateHit is one nearest neighbor probed before an insert, used for the
// duplicate warning on store_memory.
type DuplicateHit struct {
	Memory     model.Memory
	Similarity float64
}

// StatsResult is the outcome of a filtered count.
type StatsResult struct {
	Matching       int64
	Total          int64
	LabelsMatched  []string
	SourcesMatched []string
}

// MemoryStore defines the primary data access interface for the memory service.
type MemoryStore interface {
	// Memories
	// CreateMemory inserts the memory row and its embedding row in one
	// transaction, allocating content_id = MAX+1 within the namespace. The
	// returned hits are the nearest neighbors probed before the insert.
	CreateMemory(ctx context.Context, req CreateMemoryRequest) (*model.Memory, []DuplicateHit, error)
	// ResolveMemoryID maps a client-facing id to the internal id. In
	// namespaced mode the client id is the per-namespace content_id; in
	// wildcard mode (namespace == "") it already is the internal id.
	ResolveMemoryID(ctx context.Context, namespace string, clientID int64) (int64, error)
	GetMemory(ctx context.Context, id int64, namespace string) (*model.Memory, error)
	// DeleteMemory removes the embedding rows listed in the memory state
	// (best effort), then the memory row. False when nothing matched.
	DeleteMemory(ctx context.Context, id int64, namespace string) (bool, error)
	UpdateLabels(ctx context.Context, id int64, labels []string) error
	SearchMemories(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	RandomMemories(ctx context.Context, f Filters, limit int) ([]model.Memory, error)
	CountMemories(ctx context.Context, f Filters) (*StatsResult, error)

	// Embedding tables
	// EnsureEmbeddingTable creates memory_<dims> and its indexes when missing
	// and returns the table name.
	EnsureEmbeddingTable(ctx context.Context, dims int) (string, error)
	// InsertEmbedding adds one embedding row, ignoring (memory_id, model)
	// conflicts. False when the row already existed.
	InsertEmbedding(ctx context.Context, memoryID int64, table, model, namespace string, embedding []float32) (bool, error)
	// AddEmbeddingToState records (table, model) in the memory's state map.
	AddEmbeddingToState(ctx context.Context, memoryID int64, table, model string) error
	// MemoriesMissingEmbedding lists memories whose state lacks the
	// (table, model) marker. A nil namespace scans all namespaces.
	MemoriesMissingEmbedding(ctx context.Context, table, model string, namespace *string, limit int) ([]model.Memory, error)

	// System state
	GetState(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetState(ctx context.Context, key string, value any) error
	DeleteState(ctx context.Context, key string) error
	// ListState returns all entries whose key starts with prefix.
	ListState(ctx context.Context, prefix string) (map[string]json.RawMessage, error)

	// Label tokens
	// BumpLabelTokens adds the given occurrence counts, refreshing last_seen.
	BumpLabelTokens(ctx context.Context, namespace string, tokens map[string]int) error
	LabelTokensSince(ctx context.Context, namespace string, since time.Time) ([]model.LabelToken, error)
	// LabelCounts returns every distinct label with the number of memories
	// carrying it, scoped by namespace ("" = all).
	LabelCounts(ctx context.Context, namespace string) (map[string]int64, error)
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
