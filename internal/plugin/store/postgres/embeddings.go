package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chirino/mcp-memory/internal/model"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

func (s *PostgresStore) EnsureEmbeddingTable(ctx context.Context, dims int) (string, error) {
	if dims <= 0 {
		return "", &registrystore.ValidationError{Field: "dims", Message: fmt.Sprintf("invalid embedding dimension %d", dims)}
	}
	table := model.EmbeddingTableName(dims)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			memory_id BIGINT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			embedding VECTOR(%d),
			namespace VARCHAR(100) DEFAULT 'default',
			embedding_model VARCHAR(255) NOT NULL,
			UNIQUE (memory_id, embedding_model)
		)`, table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_embedding_%d ON %s USING hnsw (embedding vector_cosine_ops)`, dims, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_namespace ON %s (namespace)`, table, table),
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return "", fmt.Errorf("failed to ensure embedding table %s: %w", table, err)
		}
	}
	return table, nil
}

func (s *PostgresStore) InsertEmbedding(ctx context.Context, memoryID int64, table, embeddingModel, namespace string, embedding []float32) (bool, error) {
	if _, ok := model.ParseEmbeddingTableDims(table); !ok {
		return false, &registrystore.ValidationError{Field: "table", Message: fmt.Sprintf("invalid embedding table %q", table)}
	}
	result := s.db.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO %s (memory_id, embedding, namespace, embedding_model)
			VALUES (?, ?::vector, ?, ?)
			ON CONFLICT (memory_id, embedding_model) DO NOTHING`, table),
		memoryID, pgvec.NewVector(embedding), namespace, embeddingModel,
	)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert embedding: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) AddEmbeddingToState(ctx context.Context, memoryID int64, table, embeddingModel string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var raw json.RawMessage
		result := tx.Raw("SELECT state FROM memories WHERE id = ? FOR UPDATE", memoryID).Scan(&raw)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "memory", ID: strconv.FormatInt(memoryID, 10)}
		}

		var state model.MemoryState
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("failed to decode memory state: %w", err)
			}
		}
		if !state.AddEmbedding(table, embeddingModel) {
			return nil
		}
		updated, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Exec("UPDATE memories SET state = ?::jsonb WHERE id = ?", string(updated), memoryID).Error
	})
}

func (s *PostgresStore) MemoriesMissingEmbedding(ctx context.Context, table, embeddingModel string, namespace *string, limit int) ([]model.Memory, error) {
	modelJSON, err := json.Marshal([]string{embeddingModel})
	if err != nil {
		return nil, err
	}

	query := `
		SELECT m.* FROM memories m
		WHERE NOT (COALESCE(m.state->'embedding_tables'->?, '[]'::jsonb) @> ?::jsonb)`
	args := []any{table, string(modelJSON)}
	if namespace != nil {
		query += " AND m.namespace = ?"
		args = append(args, *namespace)
	}
	query += " ORDER BY m.id LIMIT ?"
	args = append(args, limit)

	var mems []model.Memory
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&mems).Error; err != nil {
		return nil, fmt.Errorf("failed to list memories missing embeddings: %w", err)
	}
	return mems, nil
}
