package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chirino/mcp-memory/internal/model"
	"github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/security"
)

// Wrap returns a MemoryStore that records StoreLatency for every operation.
func Wrap(inner store.MemoryStore) store.MemoryStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MemoryStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *metricsStore) CreateMemory(ctx context.Context, req store.CreateMemoryRequest) (*model.Memory, []store.DuplicateHit, error) {
	defer observe("create_memory", time.Now())
	return m.inner.CreateMemory(ctx, req)
}

func (m *metricsStore) ResolveMemoryID(ctx context.Context, namespace string, clientID int64) (int64, error) {
	defer observe("resolve_memory_id", time.Now())
	return m.inner.ResolveMemoryID(ctx, namespace, clientID)
}

func (m *metricsStore) GetMemory(ctx context.Context, id int64, namespace string) (*model.Memory, error) {
	defer observe("get_memory", time.Now())
	return m.inner.GetMemory(ctx, id, namespace)
}

func (m *metricsStore) DeleteMemory(ctx context.Context, id int64, namespace string) (bool, error) {
	defer observe("delete_memory", time.Now())
	return m.inner.DeleteMemory(ctx, id, namespace)
}

func (m *metricsStore) UpdateLabels(ctx context.Context, id int64, labels []string) error {
	defer observe("update_labels", time.Now())
	return m.inner.UpdateLabels(ctx, id, labels)
}

func (m *metricsStore) SearchMemories(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error) {
	defer observe("search_memories", time.Now())
	return m.inner.SearchMemories(ctx, q)
}

func (m *metricsStore) RandomMemories(ctx context.Context, f store.Filters, limit int) ([]model.Memory, error) {
	defer observe("random_memories", time.Now())
	return m.inner.RandomMemories(ctx, f, limit)
}

func (m *metricsStore) CountMemories(ctx context.Context, f store.Filters) (*store.StatsResult, error) {
	defer observe("count_memories", time.Now())
	return m.inner.CountMemories(ctx, f)
}

func (m *metricsStore) EnsureEmbeddingTable(ctx context.Context, dims int) (string, error) {
	defer observe("ensure_embedding_table", time.Now())
	return m.inner.EnsureEmbeddingTable(ctx, dims)
}

func (m *metricsStore) InsertEmbedding(ctx context.Context, memoryID int64, table, embeddingModel, namespace string, embedding []float32) (bool, error) {
	defer observe("insert_embedding", time.Now())
	return m.inner.InsertEmbedding(ctx, memoryID, table, embeddingModel, namespace, embedding)
}

func (m *metricsStore) AddEmbeddingToState(ctx context.Context, memoryID int64, table, embeddingModel string) error {
	defer observe("add_embedding_to_state", time.Now())
	return m.inner.AddEmbeddingToState(ctx, memoryID, table, embeddingModel)
}

func (m *metricsStore) MemoriesMissingEmbedding(ctx context.Context, table, embeddingModel string, namespace *string, limit int) ([]model.Memory, error) {
	defer observe("memories_missing_embedding", time.Now())
	return m.inner.MemoriesMissingEmbedding(ctx, table, embeddingModel, namespace, limit)
}

func (m *metricsStore) GetState(ctx context.Context, key string) (json.RawMessage, bool, error) {
	defer observe("get_state", time.Now())
	return m.inner.GetState(ctx, key)
}

func (m *metricsStore) SetState(ctx context.Context, key string, value any) error {
	defer observe("set_state", time.Now())
	return m.inner.SetState(ctx, key, value)
}

func (m *metricsStore) DeleteState(ctx context.Context, key string) error {
	defer observe("delete_state", time.Now())
	return m.inner.DeleteState(ctx, key)
}

func (m *metricsStore) ListState(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	defer observe("list_state", time.Now())
	return m.inner.ListState(ctx, prefix)
}

func (m *metricsStore) BumpLabelTokens(ctx context.Context, namespace string, tokens map[string]int) error {
	defer observe("bump_label_tokens", time.Now())
	return m.inner.BumpLabelTokens(ctx, namespace, tokens)
}

func (m *metricsStore) LabelTokensSince(ctx context.Context, namespace string, since time.Time) ([]model.LabelToken, error) {
	defer observe("label_tokens_since", time.Now())
	return m.inner.LabelTokensSince(ctx, namespace, since)
}

func (m *metricsStore) LabelCounts(ctx context.Context, namespace string) (map[string]int64, error) {
	defer observe("label_counts", time.Now())
	return m.inner.LabelCounts(ctx, namespace)
}
