package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/model"
	registrymigrate "github.com/chirino/mcp-memory/internal/registry/migrate"
	registrystore "github.com/chirino/mcp-memory/internal/registry/store"
	"github.com/chirino/mcp-memory/internal/security"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := openDB(cfg)
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// PostgresStore implements MemoryStore using GORM + PostgreSQL with the
// pgvector extension.
type PostgresStore struct {
	db *gorm.DB
}

// NewStore wraps an existing gorm handle. Used by tests and the migrate command.
func NewStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- Memories ---

func (s *PostgresStore) CreateMemory(ctx context.Context, req registrystore.CreateMemoryRequest) (*model.Memory, []registrystore.DuplicateHit, error) {
	if _, ok := model.ParseEmbeddingTableDims(req.Table); !ok {
		return nil, nil, &registrystore.ValidationError{Field: "table", Message: fmt.Sprintf("invalid embedding table %q", req.Table)}
	}
	labels := req.Labels
	if labels == nil {
		labels = []string{}
	}

	var mem model.Memory
	var hits []registrystore.DuplicateHit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		hits, err = nearestNeighbors(tx, req, 2)
		if err != nil {
			return err
		}

		// content_id allocation is MAX+1 within the namespace; serialize
		// concurrent inserts of the same namespace for the rest of the
		// transaction so two writers cannot pick the same value.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext('memories:content_id:' || ?::text))", req.Namespace).Error; err != nil {
			return fmt.Errorf("failed to lock namespace: %w", err)
		}
		var nextContentID int64
		if err := tx.Raw("SELECT COALESCE(MAX(content_id), 0) + 1 FROM memories WHERE namespace = ?", req.Namespace).Scan(&nextContentID).Error; err != nil {
			return fmt.Errorf("failed to allocate content_id: %w", err)
		}

		mem = model.Memory{
			ContentID: nextContentID,
			Content:   req.Content,
			Enc:       req.Enc,
			Namespace: req.Namespace,
			Labels:    labels,
			Source:    req.Source,
			Timestamp: time.Now().UTC(),
		}
		mem.State.AddEmbedding(req.Table, req.Model)
		if err := tx.Create(&mem).Error; err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}

		if err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (memory_id, embedding, namespace, embedding_model) VALUES (?, ?::vector, ?, ?)", req.Table),
			mem.ID, pgvec.NewVector(req.Embedding), req.Namespace, req.Model,
		).Error; err != nil {
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &mem, hits, nil
}

// nearestNeighbors probes the embedding table for the closest existing
// memories before an insert. Feeds the duplicate warning.
func nearestNeighbors(tx *gorm.DB, req registrystore.CreateMemoryRequest, limit int) ([]registrystore.DuplicateHit, error) {
	var rows []struct {
		ID         int64
		Similarity float64
	}
	query := fmt.Sprintf(`
		SELECT e.memory_id AS id, 1 - (e.embedding <=> ?::vector) AS similarity
		FROM %s e
		WHERE e.embedding_model = ? AND e.namespace = ?
		ORDER BY similarity DESC
		LIMIT ?`, req.Table)
	if err := tx.Raw(query, pgvec.NewVector(req.Embedding), req.Model, req.Namespace, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to probe nearest neighbors: %w", err)
	}

	var hits []registrystore.DuplicateHit
	for _, row := range rows {
		var m model.Memory
		if err := tx.First(&m, row.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		hits = append(hits, registrystore.DuplicateHit{Memory: m, Similarity: row.Similarity})
	}
	return hits, nil
}

func (s *PostgresStore) ResolveMemoryID(ctx context.Context, namespace string, clientID int64) (int64, error) {
	if namespace == "" {
		return clientID, nil
	}
	var id int64
	result := s.db.WithContext(ctx).
		Raw("SELECT id FROM memories WHERE namespace = ? AND content_id = ?", namespace, clientID).
		Scan(&id)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, &registrystore.NotFoundError{Resource: "memory", ID: strconv.FormatInt(clientID, 10)}
	}
	return id, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id int64, namespace string) (*model.Memory, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var m model.Memory
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "memory", ID: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id int64, namespace string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", id)
		if namespace != "" {
			q = q.Where("namespace = ?", namespace)
		}
		var m model.Memory
		if err := q.First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		// Remove the embedding rows enumerated by the memory state. The FK
		// cascade would catch them too; the explicit pass also tolerates
		// state entries for tables that were since dropped.
		for _, table := range m.State.Tables() {
			if _, ok := model.ParseEmbeddingTableDims(table); !ok {
				log.Warn("Skipping invalid embedding table in memory state", "memoryId", m.ID, "table", table)
				continue
			}
			var exists bool
			if err := tx.Raw("SELECT to_regclass(?) IS NOT NULL", table).Scan(&exists).Error; err != nil {
				return err
			}
			if !exists {
				log.Warn("Embedding table listed in memory state no longer exists", "memoryId", m.ID, "table", table)
				continue
			}
			if err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE memory_id = ?", table), m.ID).Error; err != nil {
				return fmt.Errorf("failed to delete embeddings from %s: %w", table, err)
			}
		}

		if err := tx.Delete(&model.Memory{}, m.ID).Error; err != nil {
			return fmt.Errorf("failed to delete memory: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *PostgresStore) UpdateLabels(ctx context.Context, id int64, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Exec("UPDATE memories SET labels = ?::jsonb WHERE id = ?", string(raw), id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "memory", ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

// searchRow carries a memory plus its cosine similarity out of a raw query.
type searchRow struct {
	model.Memory `gorm:"embedded"`
	Similarity   float64 `gorm:"column:similarity"`
}

func (s *PostgresStore) SearchMemories(ctx context.Context, q registrystore.SearchQuery) ([]registrystore.SearchResult, error) {
	if q.Embedding == nil {
		return s.listRecent(ctx, q)
	}
	if _, ok := model.ParseEmbeddingTableDims(q.Table); !ok {
		return nil, &registrystore.ValidationError{Field: "table", Message: fmt.Sprintf("invalid embedding table %q", q.Table)}
	}

	where, filterArgs := filterSQL(q.Filters, "m")
	query := fmt.Sprintf(`
		SELECT m.*, 1 - (e.embedding <=> ?::vector) AS similarity
		FROM %s e
		JOIN memories m ON m.id = e.memory_id
		WHERE e.embedding_model = ?%s
		ORDER BY similarity DESC, m.timestamp DESC
		LIMIT ?`, q.Table, where)

	args := []any{pgvec.NewVector(q.Embedding), q.Model}
	args = append(args, filterArgs...)
	args = append(args, q.Limit)

	var rows []searchRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	results := make([]registrystore.SearchResult, len(rows))
	for i, row := range rows {
		results[i] = registrystore.SearchResult{Memory: row.Memory, Similarity: row.Similarity}
	}
	return results, nil
}

// listRecent is the no-query retrieval path: newest first.
func (s *PostgresStore) listRecent(ctx context.Context, q registrystore.SearchQuery) ([]registrystore.SearchResult, error) {
	where, args := filterSQL(q.Filters, "m")
	query := fmt.Sprintf(`
		SELECT m.* FROM memories m
		WHERE 1=1%s
		ORDER BY m.timestamp DESC
		LIMIT ?`, where)
	args = append(args, q.Limit)

	var mems []model.Memory
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&mems).Error; err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	results := make([]registrystore.SearchResult, len(mems))
	for i, m := range mems {
		results[i] = registrystore.SearchResult{Memory: m}
	}
	return results, nil
}

func (s *PostgresStore) RandomMemories(ctx context.Context, f registrystore.Filters, limit int) ([]model.Memory, error) {
	where, args := filterSQL(f, "m")
	query := fmt.Sprintf(`
		SELECT m.* FROM memories m
		WHERE 1=1%s
		ORDER BY RANDOM()
		LIMIT ?`, where)
	args = append(args, limit)

	var mems []model.Memory
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&mems).Error; err != nil {
		return nil, fmt.Errorf("failed to pick random memories: %w", err)
	}
	return mems, nil
}

func (s *PostgresStore) CountMemories(ctx context.Context, f registrystore.Filters) (*registrystore.StatsResult, error) {
	stats := &registrystore.StatsResult{}

	// Total within scope: namespace and encryption visibility only.
	scope := registrystore.Filters{Namespace: f.Namespace, PlainOnly: f.PlainOnly}
	scopeWhere, scopeArgs := filterSQL(scope, "m")
	if err := s.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM memories m WHERE 1=1"+scopeWhere, scopeArgs...).
		Scan(&stats.Total).Error; err != nil {
		return nil, err
	}

	where, args := filterSQL(f, "m")
	if err := s.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM memories m WHERE 1=1"+where, args...).
		Scan(&stats.Matching).Error; err != nil {
		return nil, err
	}

	if len(f.IncludeLabels) > 0 {
		ors := make([]string, len(f.IncludeLabels))
		labelArgs := append([]any{}, scopeArgs...)
		for i, t := range f.IncludeLabels {
			ors[i] = "label ILIKE ?"
			labelArgs = append(labelArgs, "%"+t+"%")
		}
		query := fmt.Sprintf(`
			SELECT DISTINCT label
			FROM memories m, jsonb_array_elements_text(m.labels) AS label
			WHERE 1=1%s AND (%s)
			ORDER BY label`, scopeWhere, strings.Join(ors, " OR "))
		if err := s.db.WithContext(ctx).Raw(query, labelArgs...).Scan(&stats.LabelsMatched).Error; err != nil {
			return nil, err
		}
	}

	if f.Source != "" && !f.SourceExclude {
		query := fmt.Sprintf(`
			SELECT DISTINCT m.source FROM memories m
			WHERE 1=1%s AND m.source ILIKE ?
			ORDER BY m.source`, scopeWhere)
		if err := s.db.WithContext(ctx).
			Raw(query, append(append([]any{}, scopeArgs...), "%"+f.Source+"%")...).
			Scan(&stats.SourcesMatched).Error; err != nil {
			return nil, err
		}
	}

	return stats, nil
}

// filterSQL renders Filters as an AND-chain appended to a WHERE clause.
// alias is the memories table alias in the enclosing query.
func filterSQL(f registrystore.Filters, alias string) (string, []any) {
	var sb strings.Builder
	var args []any

	if f.Namespace != "" {
		fmt.Fprintf(&sb, " AND %s.namespace = ?", alias)
		args = append(args, f.Namespace)
	}
	if f.PlainOnly {
		fmt.Fprintf(&sb, " AND %s.enc = FALSE", alias)
	}
	if len(f.IncludeLabels) > 0 {
		ors := make([]string, len(f.IncludeLabels))
		for i, t := range f.IncludeLabels {
			ors[i] = fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_array_elements_text(%s.labels) AS label WHERE label ILIKE ?)", alias)
			args = append(args, "%"+t+"%")
		}
		sb.WriteString(" AND (" + strings.Join(ors, " OR ") + ")")
	}
	for _, t := range f.ExcludeLabels {
		fmt.Fprintf(&sb, " AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements_text(%s.labels) AS label WHERE label ILIKE ?)", alias)
		args = append(args, "%"+t+"%")
	}
	if f.Source != "" {
		if f.SourceExclude {
			fmt.Fprintf(&sb, " AND (%s.source IS NULL OR %s.source NOT ILIKE ?)", alias, alias)
		} else {
			fmt.Fprintf(&sb, " AND %s.source ILIKE ?", alias)
		}
		args = append(args, "%"+f.Source+"%")
	}
	return sb.String(), args
}
