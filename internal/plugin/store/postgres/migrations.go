package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	"github.com/chirino/mcp-memory/internal/model"
	"gorm.io/gorm"
)

// currentDBVersion is the schema version this build writes and expects.
const currentDBVersion = 7

// migrationLockID is the advisory lock key serializing schema migrations
// across processes. Arbitrary but fixed: "memory" as big-endian bytes.
const migrationLockID int64 = 0x6d656d6f7279

// dbVersionKey is the system_state key holding the schema version (V5+ layout).
const dbVersionKey = "db_version"

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "postgres-schema" }

func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.MigrateAtStart {
		return nil
	}
	if cfg.StoreType != "" && cfg.StoreType != "postgres" {
		return nil // skip if not using postgres
	}
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return RunMigrations(ctx, db)
}

// RunMigrations brings the schema to currentDBVersion under the cross-process
// advisory lock. The acquire is non-blocking: a process that loses the race
// logs and returns without migrating, the winner is doing the work. Fresh
// databases get the target schema directly; existing ones are walked forward
// one version at a time, recording each success so a failed step resumes
// where it left off.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	// Advisory locks are session-scoped, so the lock, the migration work and
	// the unlock are pinned to a single pooled connection.
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		acquired, err := tryMigrationLock(ctx, conn)
		if err != nil {
			return err
		}
		if !acquired {
			log.Info("Schema migration lock held by another process, skipping migrations")
			return nil
		}
		defer releaseMigrationLock(conn)
		return migrateLocked(ctx, conn)
	})
}

func migrateLocked(ctx context.Context, db *gorm.DB) error {
	version, fresh, err := detectSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	if fresh {
		log.Info("Creating schema", "version", currentDBVersion)
		if err := db.WithContext(ctx).Exec(schemaSQL).Error; err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return writeDBVersion(ctx, db, currentDBVersion)
	}

	if version > currentDBVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, currentDBVersion)
	}
	if version == currentDBVersion {
		log.Debug("Schema is up to date", "version", version)
		return nil
	}

	for version < currentDBVersion {
		step, ok := migrationSteps[version]
		if !ok {
			return fmt.Errorf("no migration path from schema version %d", version)
		}
		log.Info("Migrating schema", "from", version, "to", version+1)
		if err := db.WithContext(ctx).Transaction(step); err != nil {
			return fmt.Errorf("migration v%d to v%d failed: %w", version, version+1, err)
		}
		version++
		if err := writeDBVersion(ctx, db, version); err != nil {
			return err
		}
	}
	log.Info("Schema migration complete", "version", version)
	return nil
}

func tryMigrationLock(ctx context.Context, db *gorm.DB) (bool, error) {
	var acquired bool
	if err := db.WithContext(ctx).
		Raw("SELECT pg_try_advisory_lock(?)", migrationLockID).
		Scan(&acquired).Error; err != nil {
		return false, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return acquired, nil
}

func releaseMigrationLock(db *gorm.DB) {
	if err := db.Exec("SELECT pg_advisory_unlock(?)", migrationLockID).Error; err != nil {
		log.Warn("Failed to release migration lock", "err", err)
	}
}

// detectSchemaVersion classifies the database:
//   - system_state present in K/V layout: version from the db_version key
//   - system_state present in the old fixed-column layout: its db_version column
//   - no system_state but legacy memory_<D> tables carrying content: version 1
//   - nothing at all: fresh install
func detectSchemaVersion(ctx context.Context, db *gorm.DB) (int, bool, error) {
	hasSystemState, err := tableExists(ctx, db, "system_state")
	if err != nil {
		return 0, false, err
	}
	if hasSystemState {
		kvLayout, err := columnExists(ctx, db, "system_state", "key")
		if err != nil {
			return 0, false, err
		}
		if kvLayout {
			var raw json.RawMessage
			result := db.WithContext(ctx).
				Raw("SELECT value FROM system_state WHERE key = ?", dbVersionKey).
				Scan(&raw)
			if result.Error != nil {
				return 0, false, result.Error
			}
			if result.RowsAffected == 0 {
				return 0, false, fmt.Errorf("system_state is missing the %s key", dbVersionKey)
			}
			var version int
			if err := json.Unmarshal(raw, &version); err != nil {
				return 0, false, fmt.Errorf("invalid %s value %q: %w", dbVersionKey, string(raw), err)
			}
			return version, false, nil
		}
		var version int
		if err := db.WithContext(ctx).
			Raw("SELECT db_version FROM system_state ORDER BY id DESC LIMIT 1").
			Scan(&version).Error; err != nil {
			return 0, false, err
		}
		if version == 0 {
			version = 1
		}
		return version, false, nil
	}

	legacy, err := legacyMemoryTables(ctx, db)
	if err != nil {
		return 0, false, err
	}
	if len(legacy) > 0 {
		return 1, false, nil
	}
	return 0, true, nil
}

// writeDBVersion records the schema version in whichever system_state layout
// exists at that version: the fixed-column table below V5, the K/V store from
// V5 on.
func writeDBVersion(ctx context.Context, db *gorm.DB, version int) error {
	if version >= 5 {
		raw, _ := json.Marshal(version)
		return db.WithContext(ctx).Exec(`
			INSERT INTO system_state (key, value) VALUES (?, ?::jsonb)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			dbVersionKey, string(raw),
		).Error
	}
	if err := db.WithContext(ctx).Exec(`
		CREATE TABLE IF NOT EXISTS system_state (
			id SERIAL PRIMARY KEY,
			db_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`).Error; err != nil {
		return err
	}
	result := db.WithContext(ctx).Exec("UPDATE system_state SET db_version = ?, updated_at = NOW()", version)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return db.WithContext(ctx).Exec("INSERT INTO system_state (db_version) VALUES (?)", version).Error
	}
	return nil
}

// migrationSteps maps a schema version to the step that raises it by one.
// Every step runs inside a single transaction.
var migrationSteps = map[int]func(tx *gorm.DB) error{
	1: migrateV1toV2,
	2: migrateV2toV3,
	3: migrateV3toV4,
	4: migrateV4toV5,
	5: migrateV5toV6,
	6: migrateV6toV7,
}

// migrateV1toV2 splits the legacy single-table layout (one memory_<D> table
// holding content AND embedding per row) into the memories table plus
// embedding-only memory_<D> tables. Identical content across legacy tables is
// deduplicated by SHA-256.
func migrateV1toV2(tx *gorm.DB) error {
	legacy, err := legacyMemoryTables(context.Background(), tx)
	if err != nil {
		return err
	}

	if err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id BIGSERIAL PRIMARY KEY,
			content BYTEA NOT NULL,
			namespace VARCHAR(100) DEFAULT 'default',
			labels JSONB DEFAULT '[]',
			source VARCHAR(255),
			timestamp TIMESTAMP DEFAULT NOW(),
			enc BOOLEAN DEFAULT FALSE,
			state JSONB DEFAULT '{}'
		)`).Error; err != nil {
		return err
	}
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_labels ON memories USING gin (labels)",
		"CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories (namespace)",
		"CREATE INDEX IF NOT EXISTS idx_memories_source ON memories (source)",
	} {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}

	type pendingMemory struct {
		id     int64
		tables []string
	}
	type pendingEmbedding struct {
		memoryID  int64
		table     string
		model     string
		namespace string
		embedding string
	}
	byHash := map[string]*pendingMemory{}
	var embeddings []pendingEmbedding

	for _, table := range legacy {
		rows, err := tx.Raw(fmt.Sprintf(`
			SELECT content, COALESCE(namespace, 'default'), COALESCE(labels, '[]'::jsonb)::text,
			       source, timestamp, COALESCE(enc, FALSE), COALESCE(embedding_model, ''), embedding::text
			FROM %s ORDER BY id`, table)).Rows()
		if err != nil {
			return fmt.Errorf("failed to read legacy table %s: %w", table, err)
		}
		for rows.Next() {
			var (
				content    []byte
				namespace  string
				labelsJSON string
				source     *string
				ts         time.Time
				enc        bool
				embModel   string
				embedding  string
			)
			if err := rows.Scan(&content, &namespace, &labelsJSON, &source, &ts, &enc, &embModel, &embedding); err != nil {
				rows.Close()
				return err
			}

			hash := sha256.Sum256(content)
			key := hex.EncodeToString(hash[:])
			mem, ok := byHash[key]
			if !ok {
				var newID int64
				if err := tx.Raw(`
					INSERT INTO memories (content, namespace, labels, source, timestamp, enc, state)
					VALUES (?, ?, ?::jsonb, ?, ?, ?, '{}'::jsonb)
					RETURNING id`,
					content, namespace, labelsJSON, source, ts, enc,
				).Scan(&newID).Error; err != nil {
					rows.Close()
					return fmt.Errorf("failed to copy memory from %s: %w", table, err)
				}
				mem = &pendingMemory{id: newID}
				byHash[key] = mem
			}
			seen := false
			for _, t := range mem.tables {
				if t == table {
					seen = true
					break
				}
			}
			if !seen {
				mem.tables = append(mem.tables, table)
			}
			embeddings = append(embeddings, pendingEmbedding{
				memoryID: mem.id, table: table, model: embModel, namespace: namespace, embedding: embedding,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}

	for _, table := range legacy {
		if err := tx.Exec("DROP TABLE " + table).Error; err != nil {
			return fmt.Errorf("failed to drop legacy table %s: %w", table, err)
		}
		dims, _ := model.ParseEmbeddingTableDims(table)
		for _, stmt := range []string{
			fmt.Sprintf(`CREATE TABLE %s (
				memory_id BIGINT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				embedding VECTOR(%d),
				namespace VARCHAR(100) DEFAULT 'default',
				embedding_model VARCHAR(255) NOT NULL,
				UNIQUE (memory_id, embedding_model)
			)`, table, dims),
			fmt.Sprintf("CREATE INDEX idx_embedding_%d ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)", dims, table),
			fmt.Sprintf("CREATE INDEX idx_%s_namespace ON %s (namespace)", table, table),
		} {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to recreate embedding table %s: %w", table, err)
			}
		}
	}

	for _, e := range embeddings {
		if err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %s (memory_id, embedding, namespace, embedding_model)
			VALUES (?, ?::vector, ?, ?)
			ON CONFLICT (memory_id, embedding_model) DO NOTHING`, e.table),
			e.memoryID, e.embedding, e.namespace, e.model,
		).Error; err != nil {
			return fmt.Errorf("failed to re-insert embedding into %s: %w", e.table, err)
		}
	}

	// Legacy state keeps the array form; the V2 to V3 step rewrites it as a map.
	for _, mem := range byHash {
		state, err := json.Marshal(map[string]any{"embedding_tables": mem.tables})
		if err != nil {
			return err
		}
		if err := tx.Exec("UPDATE memories SET state = ?::jsonb WHERE id = ?", string(state), mem.id).Error; err != nil {
			return err
		}
	}

	log.Info("Migrated legacy memory tables", "tables", len(legacy), "memories", len(byHash), "embeddings", len(embeddings))
	return nil
}

// migrateV2toV3 rewrites state.embedding_tables from the legacy array of
// table names to a map of table name to embedding model list, discovered from
// the actual embedding rows.
func migrateV2toV3(tx *gorm.DB) error {
	rows, err := tx.Raw(`
		SELECT id, state->'embedding_tables'
		FROM memories
		WHERE jsonb_typeof(state->'embedding_tables') = 'array'
		ORDER BY id`).Rows()
	if err != nil {
		return err
	}
	type arrayState struct {
		id     int64
		tables []string
	}
	var pending []arrayState
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var tables []string
		if err := json.Unmarshal(raw, &tables); err != nil {
			rows.Close()
			return fmt.Errorf("memory %d has malformed embedding_tables: %w", id, err)
		}
		pending = append(pending, arrayState{id: id, tables: tables})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	migrated := 0
	for _, p := range pending {
		tableModels := map[string][]string{}
		for _, table := range p.tables {
			if _, ok := model.ParseEmbeddingTableDims(table); !ok {
				log.Warn("Skipping invalid table name in embedding_tables", "memoryId", p.id, "table", table)
				continue
			}
			exists, err := tableExistsTx(tx, table)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			var models []string
			if err := tx.Raw(fmt.Sprintf(
				"SELECT DISTINCT embedding_model FROM %s WHERE memory_id = ? ORDER BY embedding_model", table),
				p.id,
			).Scan(&models).Error; err != nil {
				return err
			}
			if len(models) > 0 {
				tableModels[table] = models
			}
		}
		raw, err := json.Marshal(tableModels)
		if err != nil {
			return err
		}
		if err := tx.Exec(
			"UPDATE memories SET state = jsonb_set(COALESCE(state, '{}'::jsonb), '{embedding_tables}', ?::jsonb, true) WHERE id = ?",
			string(raw), p.id,
		).Error; err != nil {
			return err
		}
		migrated++
	}
	log.Info("Rewrote embedding_tables state", "memories", migrated)
	return nil
}

// migrateV3toV4 swaps the ivfflat similarity indexes for HNSW.
func migrateV3toV4(tx *gorm.DB) error {
	tables, err := embeddingOnlyTables(tx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		dims, ok := model.ParseEmbeddingTableDims(table)
		if !ok {
			continue
		}
		if err := tx.Exec(fmt.Sprintf("DROP INDEX IF EXISTS idx_embedding_%d", dims)).Error; err != nil {
			return err
		}
		if err := tx.Exec(fmt.Sprintf(
			"CREATE INDEX idx_embedding_%d ON %s USING hnsw (embedding vector_cosine_ops)", dims, table,
		)).Error; err != nil {
			return fmt.Errorf("failed to build hnsw index on %s: %w", table, err)
		}
	}
	log.Info("Rebuilt similarity indexes as HNSW", "tables", len(tables))
	return nil
}

// migrateV4toV5 replaces the fixed-column system_state table with the
// key/value layout, carrying the recorded version over.
func migrateV4toV5(tx *gorm.DB) error {
	kvLayout, err := columnExistsTx(tx, "system_state", "key")
	if err != nil {
		return err
	}
	if kvLayout {
		return nil // already converted
	}

	version := 4
	var recorded int
	if err := tx.Raw("SELECT db_version FROM system_state ORDER BY id DESC LIMIT 1").Scan(&recorded).Error; err == nil && recorded != 0 {
		version = recorded
	}

	if err := tx.Exec("DROP TABLE system_state").Error; err != nil {
		return err
	}
	if err := tx.Exec(`
		CREATE TABLE system_state (
			id SERIAL PRIMARY KEY,
			key TEXT UNIQUE NOT NULL,
			value JSONB NOT NULL,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`).Error; err != nil {
		return err
	}
	raw, _ := json.Marshal(version)
	return tx.Exec(`
		INSERT INTO system_state (key, value) VALUES (?, ?::jsonb)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		dbVersionKey, string(raw),
	).Error
}

// migrateV5toV6 adds the per-namespace content_id, backfilled from the
// internal id so existing client-facing ids stay stable.
func migrateV5toV6(tx *gorm.DB) error {
	if err := tx.Exec("ALTER TABLE memories ADD COLUMN IF NOT EXISTS content_id BIGINT").Error; err != nil {
		return err
	}
	if err := tx.Exec("UPDATE memories SET content_id = id WHERE content_id IS NULL").Error; err != nil {
		return err
	}
	if err := tx.Exec("ALTER TABLE memories ALTER COLUMN content_id SET NOT NULL").Error; err != nil {
		return err
	}
	return tx.Exec("CREATE INDEX IF NOT EXISTS idx_memories_namespace_content_id ON memories (namespace, content_id DESC)").Error
}

// migrateV6toV7 introduces the label_tokens table behind trending_labels.
func migrateV6toV7(tx *gorm.DB) error {
	if err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS label_tokens (
			namespace VARCHAR(100) DEFAULT 'default',
			token VARCHAR(255) NOT NULL,
			count INTEGER DEFAULT 0,
			last_seen TIMESTAMP DEFAULT NOW(),
			last_decay TIMESTAMP DEFAULT NOW(),
			PRIMARY KEY (namespace, token)
		)`).Error; err != nil {
		return err
	}
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_label_tokens_namespace ON label_tokens (namespace)",
		"CREATE INDEX IF NOT EXISTS idx_label_tokens_last_seen ON label_tokens (last_seen)",
	} {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- Catalog helpers ---

func tableExists(ctx context.Context, db *gorm.DB, name string) (bool, error) {
	var exists bool
	err := db.WithContext(ctx).Raw("SELECT to_regclass(?) IS NOT NULL", name).Scan(&exists).Error
	return exists, err
}

func tableExistsTx(tx *gorm.DB, name string) (bool, error) {
	var exists bool
	err := tx.Raw("SELECT to_regclass(?) IS NOT NULL", name).Scan(&exists).Error
	return exists, err
}

func columnExists(ctx context.Context, db *gorm.DB, table, column string) (bool, error) {
	var exists bool
	err := db.WithContext(ctx).Raw(`
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = ? AND column_name = ?
		)`, table, column).Scan(&exists).Error
	return exists, err
}

func columnExistsTx(tx *gorm.DB, table, column string) (bool, error) {
	var exists bool
	err := tx.Raw(`
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = ? AND column_name = ?
		)`, table, column).Scan(&exists).Error
	return exists, err
}

// legacyMemoryTables lists pre-V2 memory_<D> tables, identified by carrying a
// content column.
func legacyMemoryTables(ctx context.Context, db *gorm.DB) ([]string, error) {
	var tables []string
	err := db.WithContext(ctx).Raw(`
		SELECT t.table_name FROM information_schema.tables t
		WHERE t.table_schema = 'public'
		  AND t.table_name ~ '^memory_[0-9]+$'
		  AND EXISTS (
			SELECT 1 FROM information_schema.columns c
			WHERE c.table_schema = 'public' AND c.table_name = t.table_name AND c.column_name = 'content'
		  )
		ORDER BY t.table_name`).Scan(&tables).Error
	return tables, err
}

// embeddingOnlyTables lists V2+ memory_<D> tables (embedding rows keyed by memory_id).
func embeddingOnlyTables(tx *gorm.DB) ([]string, error) {
	var tables []string
	err := tx.Raw(`
		SELECT t.table_name FROM information_schema.tables t
		WHERE t.table_schema = 'public'
		  AND t.table_name ~ '^memory_[0-9]+$'
		  AND EXISTS (
			SELECT 1 FROM information_schema.columns c
			WHERE c.table_schema = 'public' AND c.table_name = t.table_name AND c.column_name = 'memory_id'
		  )
		ORDER BY t.table_name`).Scan(&tables).Error
	return tables, err
}
