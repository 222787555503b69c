package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnowledgeBaseEntry is a global, permissioned key/value row.
type KnowledgeBaseEntry struct {
	Key         string
	Value       string
	Category    sql.NullString
	ExpiresAt   sql.NullTime
	PublicRead  bool
	PublicWrite bool
}

// SetKnowledgeBaseValue upserts a global entry.
func (s *Store) SetKnowledgeBaseValue(ctx context.Context, key, value string, category string, ttl time.Duration, publicRead, publicWrite bool) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	var cat any
	if category != "" {
		cat = category
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO knowledge_base (key, value, category, expires_at, public_read, public_write, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value, category = excluded.category,
				expires_at = excluded.expires_at, public_read = excluded.public_read,
				public_write = excluded.public_write, updated_at = CURRENT_TIMESTAMP;
		`, key, value, cat, expiresAt, publicRead, publicWrite)
		if err != nil {
			return fmt.Errorf("set knowledge base value: %w", err)
		}
		return nil
	})
}

// GetKnowledgeBaseValue returns the entry, treating expired rows as absent.
func (s *Store) GetKnowledgeBaseValue(ctx context.Context, key string) (*KnowledgeBaseEntry, error) {
	var e KnowledgeBaseEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, category, expires_at, public_read, public_write
		FROM knowledge_base WHERE key = ?;
	`, key).Scan(&e.Key, &e.Value, &e.Category, &e.ExpiresAt, &e.PublicRead, &e.PublicWrite)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get knowledge base value: %w", err)
	}
	if e.ExpiresAt.Valid && !e.ExpiresAt.Time.After(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

// DeleteKnowledgeBaseValue removes a key unconditionally.
func (s *Store) DeleteKnowledgeBaseValue(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_base WHERE key = ?;`, key)
		if err != nil {
			return fmt.Errorf("delete knowledge base value: %w", err)
		}
		return nil
	})
}

// ReapExpiredKnowledgeBase deletes rows past their expires_at.
func (s *Store) ReapExpiredKnowledgeBase(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM knowledge_base WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reap knowledge base: %w", err)
	}
	return res.RowsAffected()
}
