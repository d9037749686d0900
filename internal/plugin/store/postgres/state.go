package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/mcp-memory/internal/model"
)

// --- System state ---

func (s *PostgresStore) GetState(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	result := s.db.WithContext(ctx).
		Raw("SELECT value FROM system_state WHERE key = ?", key).
		Scan(&raw)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

func (s *PostgresStore) SetState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state value for %s: %w", key, err)
	}
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO system_state (key, value) VALUES (?, ?::jsonb)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, string(raw),
	).Error
}

func (s *PostgresStore) DeleteState(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Exec("DELETE FROM system_state WHERE key = ?", key).Error
}

func (s *PostgresStore) ListState(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	rows, err := s.db.WithContext(ctx).
		Raw("SELECT key, value FROM system_state WHERE key LIKE ?", prefix+"%").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// --- Label tokens ---

func (s *PostgresStore) BumpLabelTokens(ctx context.Context, namespace string, tokens map[string]int) error {
	for token, n := range tokens {
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO label_tokens (namespace, token, count, last_seen)
			VALUES (?, ?, ?, NOW())
			ON CONFLICT (namespace, token)
			DO UPDATE SET count = label_tokens.count + EXCLUDED.count, last_seen = NOW()`,
			namespace, token, n,
		).Error; err != nil {
			return fmt.Errorf("failed to bump label token %q: %w", token, err)
		}
	}
	return nil
}

func (s *PostgresStore) LabelTokensSince(ctx context.Context, namespace string, since time.Time) ([]model.LabelToken, error) {
	q := s.db.WithContext(ctx).Where("last_seen >= ?", since)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	var tokens []model.LabelToken
	if err := q.Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("failed to load label tokens: %w", err)
	}
	return tokens, nil
}

func (s *PostgresStore) LabelCounts(ctx context.Context, namespace string) (map[string]int64, error) {
	query := `
		SELECT label, COUNT(*) AS n
		FROM memories m, jsonb_array_elements_text(m.labels) AS label`
	var args []any
	if namespace != "" {
		query += " WHERE m.namespace = ?"
		args = append(args, namespace)
	}
	query += " GROUP BY label"

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		out[label] = n
	}
	return out, rows.Err()
}
