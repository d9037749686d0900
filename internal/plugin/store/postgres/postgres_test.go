package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chirino/mcp-memory/internal/model"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/testutil/testpg"
)

const testModel = "test-model"

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	dsn := testpg.StartPostgres(t)
	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, RunMigrations(t.Context(), db))
	return NewStore(db)
}

// unitVec returns a dims-long unit vector along the given axis. Distinct axes
// are orthogonal, so cosine similarity is 1 for same-axis and 0 otherwise.
func unitVec(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func createTestMemory(t *testing.T, s *PostgresStore, table, content string, labels []string, source *string, axis int) *model.Memory {
	t.Helper()
	mem, _, err := s.CreateMemory(t.Context(), registrystore.CreateMemoryRequest{
		Content:   []byte(content),
		Namespace: "default",
		Labels:    labels,
		Source:    source,
		Table:     table,
		Model:     testModel,
		Embedding: unitVec(4, axis),
	})
	require.NoError(t, err)
	return mem
}

func TestFreshSchemaIsCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	raw, found, err := s.GetState(t.Context(), dbVersionKey)
	require.NoError(t, err)
	require.True(t, found)
	var version int
	require.NoError(t, json.Unmarshal(raw, &version))
	require.Equal(t, currentDBVersion, version)
}

func TestCreateMemoryAllocatesContentIDs(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)
	require.Equal(t, "memory_4", table)

	m1 := createTestMemory(t, s, table, "first", []string{"go"}, nil, 0)
	m2 := createTestMemory(t, s, table, "second", nil, nil, 1)

	require.Equal(t, int64(1), m1.ContentID)
	require.Equal(t, int64(2), m2.ContentID)
	require.True(t, m1.State.HasEmbedding(table, testModel))

	// content_id survives deletion: MAX+1 keeps counting past deleted rows.
	ok, err := s.DeleteMemory(t.Context(), m2.ID, "default")
	require.NoError(t, err)
	require.True(t, ok)
	m3 := createTestMemory(t, s, table, "third", nil, nil, 1)
	require.Equal(t, int64(3), m3.ContentID)
}

func TestCreateMemoryReportsNearestNeighbors(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	m1 := createTestMemory(t, s, table, "the original", nil, nil, 0)

	_, hits, err := s.CreateMemory(t.Context(), registrystore.CreateMemoryRequest{
		Content:   []byte("the duplicate"),
		Namespace: "default",
		Table:     table,
		Model:     testModel,
		Embedding: unitVec(4, 0),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, m1.ID, hits[0].Memory.ID)
	require.InDelta(t, 1.0, hits[0].Similarity, 0.001)
}

func TestSearchMemories(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	srcA := "agent-a"
	m1 := createTestMemory(t, s, table, "go deploy notes", []string{"go", "infra"}, &srcA, 0)
	m2 := createTestMemory(t, s, table, "cooking recipe", []string{"food"}, nil, 1)

	t.Run("semantic order", func(t *testing.T) {
		results, err := s.SearchMemories(t.Context(), registrystore.SearchQuery{
			Filters:   registrystore.Filters{Namespace: "default"},
			Embedding: unitVec(4, 0),
			Table:     table,
			Model:     testModel,
			Limit:     5,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Equal(t, m1.ID, results[0].Memory.ID)
		require.InDelta(t, 1.0, results[0].Similarity, 0.001)
		require.InDelta(t, 0.0, results[1].Similarity, 0.001)
	})

	t.Run("recency without embedding", func(t *testing.T) {
		results, err := s.SearchMemories(t.Context(), registrystore.SearchQuery{
			Filters: registrystore.Filters{Namespace: "default"},
			Limit:   5,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
	})

	t.Run("label include filter", func(t *testing.T) {
		results, err := s.SearchMemories(t.Context(), registrystore.SearchQuery{
			Filters: registrystore.Filters{Namespace: "default", IncludeLabels: []string{"infra"}},
			Limit:   5,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, m1.ID, results[0].Memory.ID)
	})

	t.Run("label exclude filter", func(t *testing.T) {
		results, err := s.SearchMemories(t.Context(), registrystore.SearchQuery{
			Filters: registrystore.Filters{Namespace: "default", ExcludeLabels: []string{"infra"}},
			Limit:   5,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, m2.ID, results[0].Memory.ID)
	})

	t.Run("source exclude filter", func(t *testing.T) {
		results, err := s.SearchMemories(t.Context(), registrystore.SearchQuery{
			Filters: registrystore.Filters{Namespace: "default", Source: "agent-a", SourceExclude: true},
			Limit:   5,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, m2.ID, results[0].Memory.ID)
	})
}

func TestResolveMemoryID(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	mem := createTestMemory(t, s, table, "resolve me", nil, nil, 0)

	id, err := s.ResolveMemoryID(t.Context(), "default", mem.ContentID)
	require.NoError(t, err)
	require.Equal(t, mem.ID, id)

	// Wildcard mode passes internal ids through untouched.
	id, err = s.ResolveMemoryID(t.Context(), "", 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	var nfe *registrystore.NotFoundError
	_, err = s.ResolveMemoryID(t.Context(), "default", 999)
	require.ErrorAs(t, err, &nfe)
}

func TestUpdateLabelsAndGet(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	mem := createTestMemory(t, s, table, "labelled", []string{"a"}, nil, 0)

	require.NoError(t, s.UpdateLabels(t.Context(), mem.ID, []string{"a", "b"}))
	got, err := s.GetMemory(t.Context(), mem.ID, "default")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got.Labels)

	var nfe *registrystore.NotFoundError
	require.ErrorAs(t, s.UpdateLabels(t.Context(), 999, []string{"x"}), &nfe)
}

func TestDeleteMemoryRemovesEmbeddings(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	mem := createTestMemory(t, s, table, "doomed", nil, nil, 0)

	ok, err := s.DeleteMemory(t.Context(), mem.ID, "default")
	require.NoError(t, err)
	require.True(t, ok)

	var n int64
	require.NoError(t, s.db.Raw("SELECT COUNT(*) FROM memory_4 WHERE memory_id = ?", mem.ID).Scan(&n).Error)
	require.Zero(t, n)

	ok, err = s.DeleteMemory(t.Context(), mem.ID, "default")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCountMemories(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	srcA := "agent-a"
	createTestMemory(t, s, table, "one", []string{"go"}, &srcA, 0)
	createTestMemory(t, s, table, "two", []string{"food"}, nil, 1)

	stats, err := s.CountMemories(t.Context(), registrystore.Filters{
		Namespace:     "default",
		IncludeLabels: []string{"go"},
		Source:        "agent",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.Matching)
	require.Equal(t, []string{"go"}, stats.LabelsMatched)
	require.Equal(t, []string{"agent-a"}, stats.SourcesMatched)
}

func TestEmbeddingBackfill(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	mem := createTestMemory(t, s, table, "needs new model", nil, nil, 0)

	ns := "default"
	missing, err := s.MemoriesMissingEmbedding(t.Context(), table, "other-model", &ns, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, mem.ID, missing[0].ID)

	inserted, err := s.InsertEmbedding(t.Context(), mem.ID, table, "other-model", ns, unitVec(4, 2))
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, s.AddEmbeddingToState(t.Context(), mem.ID, table, "other-model"))

	missing, err = s.MemoriesMissingEmbedding(t.Context(), table, "other-model", &ns, 10)
	require.NoError(t, err)
	require.Empty(t, missing)

	// A second insert for the same (memory, model) pair is a no-op.
	inserted, err = s.InsertEmbedding(t.Context(), mem.ID, table, "other-model", ns, unitVec(4, 2))
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestSystemState(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetState(t.Context(), "oauth:client:abc", map[string]string{"client_id": "abc"}))
	require.NoError(t, s.SetState(t.Context(), "oauth:client:def", map[string]string{"client_id": "def"}))

	raw, found, err := s.GetState(t.Context(), "oauth:client:abc")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"client_id":"abc"}`, string(raw))

	all, err := s.ListState(t.Context(), "oauth:client:")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.DeleteState(t.Context(), "oauth:client:abc"))
	_, found, err = s.GetState(t.Context(), "oauth:client:abc")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLabelTokens(t *testing.T) {
	s := newTestStore(t)
	table, err := s.EnsureEmbeddingTable(t.Context(), 4)
	require.NoError(t, err)

	require.NoError(t, s.BumpLabelTokens(t.Context(), "default", map[string]int{"deploy": 2, "notes": 1}))
	require.NoError(t, s.BumpLabelTokens(t.Context(), "default", map[string]int{"deploy": 1}))

	tokens, err := s.LabelTokensSince(t.Context(), "default", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	byToken := map[string]int{}
	for _, tok := range tokens {
		byToken[tok.Token] = tok.Count
	}
	require.Equal(t, 3, byToken["deploy"])
	require.Equal(t, 1, byToken["notes"])

	createTestMemory(t, s, table, "counted", []string{"deploy-notes", "deploy"}, nil, 0)
	counts, err := s.LabelCounts(t.Context(), "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["deploy-notes"])
	require.Equal(t, int64(1), counts["deploy"])
}
