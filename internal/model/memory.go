package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Memory is a single stored memory item. The content column holds either
// UTF-8 plaintext or an encryption envelope; the enc flag says which.
type Memory struct {
	// ID is the process-wide primary key. Embedding rows reference it.
	ID int64 `json:"id" gorm:"primaryKey;autoIncrement"`

	// ContentID is the per-namespace sequential id presented to clients when
	// the service runs in namespaced mode. Never reused within a namespace.
	ContentID int64 `json:"contentId" gorm:"not null;column:content_id"`

	// Content is the memory text, possibly encrypted (see Enc).
	Content []byte `json:"-" gorm:"type:bytea;not null"`

	// Namespace is the tenant partition key. Rows written by a wildcard
	// deployment still land in "default".
	Namespace string `json:"-" gorm:"not null;default:'default'"`

	// Labels is an ordered, duplicate-free list of user labels.
	Labels []string `json:"labels" gorm:"type:jsonb;serializer:json;not null;default:'[]'"`

	// Source optionally identifies the producer (agent name, hostname, ...).
	Source *string `json:"source,omitempty"`

	// Timestamp is the creation time (UTC).
	Timestamp time.Time `json:"timestamp" gorm:"not null;default:now()"`

	// Enc is true when Content is an encryption envelope.
	Enc bool `json:"-" gorm:"not null;default:false"`

	// State holds structured bookkeeping, currently the embedding-tables map.
	State MemoryState `json:"-" gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// ClientID returns the id clients use to address this memory: content_id in
// namespaced mode, the internal id in wildcard mode.
func (m *Memory) ClientID(namespaced bool) int64 {
	if namespaced {
		return m.ContentID
	}
	return m.ID
}

// MemoryState is the structured metadata column on a memory row.
type MemoryState struct {
	// EmbeddingTables maps an embedding table name (e.g. "memory_768") to the
	// embedding model names that populated it for this memory. It enumerates
	// exactly the embedding rows that exist for the memory.
	EmbeddingTables map[string][]string `json:"embedding_tables,omitempty"`
}

// AddEmbedding records that an embedding row exists in table for model.
// Returns false when the pair was already recorded.
func (s *MemoryState) AddEmbedding(table, model string) bool {
	if s.EmbeddingTables == nil {
		s.EmbeddingTables = map[string][]string{}
	}
	for _, m := range s.EmbeddingTables[table] {
		if m == model {
			return false
		}
	}
	s.EmbeddingTables[table] = append(s.EmbeddingTables[table], model)
	return true
}

// HasEmbedding reports whether an embedding row is recorded for (table, model).
func (s *MemoryState) HasEmbedding(table, model string) bool {
	for _, m := range s.EmbeddingTables[table] {
		if m == model {
			return true
		}
	}
	return false
}

// Tables lists the embedding tables recorded for this memory, sorted.
func (s *MemoryState) Tables() []string {
	out := make([]string, 0, len(s.EmbeddingTables))
	for t := range s.EmbeddingTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EmbeddingTableName returns the per-dimension embedding table name.
func EmbeddingTableName(dims int) string {
	return fmt.Sprintf("memory_%d", dims)
}

var embeddingTableRE = regexp.MustCompile(`^memory_(\d+)$`)

// ParseEmbeddingTableDims extracts the dimension from an embedding table name.
// Table names come back out of memory state JSON and are interpolated into
// SQL, so callers must reject anything this does not accept.
func ParseEmbeddingTableDims(name string) (int, bool) {
	m := embeddingTableRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	dims, err := strconv.Atoi(m[1])
	if err != nil || dims <= 0 {
		return 0, false
	}
	return dims, true
}
