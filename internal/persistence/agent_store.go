package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentStoreEntry is a per-agent key/value row with an optional TTL.
type AgentStoreEntry struct {
	AgentID   string
	Key       string
	Value     string
	ExpiresAt sql.NullTime
}

// SetAgentStoreValue upserts a per-agent key, clearing any TTL when ttl<=0.
func (s *Store) SetAgentStoreValue(ctx context.Context, agentID, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_store (agent_id, key, value, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id, key) DO UPDATE SET
				value = excluded.value, expires_at = excluded.expires_at,
				updated_at = CURRENT_TIMESTAMP;
		`, agentID, key, value, expiresAt)
		if err != nil {
			return fmt.Errorf("set agent store value: %w", err)
		}
		return nil
	})
}

// GetAgentStoreValue returns the value for (agentID, key), treating an
// expired row as logically absent.
func (s *Store) GetAgentStoreValue(ctx context.Context, agentID, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM agent_store WHERE agent_id = ? AND key = ?;
	`, agentID, key).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get agent store value: %w", err)
	}
	if expiresAt.Valid && !expiresAt.Time.After(time.Now()) {
		return "", false, nil
	}
	return value, true, nil
}

// ExistsAgentStoreValue reports whether a non-expired value exists for key.
func (s *Store) ExistsAgentStoreValue(ctx context.Context, agentID, key string) (bool, error) {
	_, ok, err := s.GetAgentStoreValue(ctx, agentID, key)
	return ok, err
}

// DeleteAgentStoreValue removes a key unconditionally.
func (s *Store) DeleteAgentStoreValue(ctx context.Context, agentID, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_store WHERE agent_id = ? AND key = ?;`, agentID, key)
		if err != nil {
			return fmt.Errorf("delete agent store value: %w", err)
		}
		return nil
	})
}

// ListAgentStoreKeys returns all non-expired keys for an agent.
func (s *Store) ListAgentStoreKeys(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM agent_store
		WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY key ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent store keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan agent store key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// AllAgentStoreValues returns every non-expired (key, value) pair for an agent.
func (s *Store) AllAgentStoreValues(ctx context.Context, agentID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM agent_store
		WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP);
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("all agent store values: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan agent store row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ClearAgentStore removes every key for an agent.
func (s *Store) ClearAgentStore(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_store WHERE agent_id = ?;`, agentID)
		if err != nil {
			return fmt.Errorf("clear agent store: %w", err)
		}
		return nil
	})
}

// ReapExpiredAgentStore deletes rows whose expires_at has passed and
// returns the number of rows removed. Called by the reaper.
func (s *Store) ReapExpiredAgentStore(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_store WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reap agent store: %w", err)
	}
	return res.RowsAffected()
}
