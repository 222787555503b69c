package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is the durable lifecycle record for one bot principal.
type AgentRecord struct {
	ID                 string
	Name               string
	Homeserver         string
	Username           string
	BotClass           string
	State              string
	AccessToken        string
	EncryptedPassword  string
	Settings           string // JSON
	LastSyncToken      string
	LastActiveAt       sql.NullTime
	LastError          string
	MessagesHandled    int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateAgent persists a new agent record. Name must be unique.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) error {
	if rec.State == "" {
		rec.State = "offline"
	}
	if rec.Settings == "" {
		rec.Settings = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, homeserver, username, bot_class, state,
				access_token, encrypted_password, settings, last_sync_token)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.Name, rec.Homeserver, rec.Username, rec.BotClass, rec.State,
			rec.AccessToken, rec.EncryptedPassword, rec.Settings, rec.LastSyncToken)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		return nil
	})
}

func scanAgent(row interface {
	Scan(dest ...any) error
}) (AgentRecord, error) {
	var rec AgentRecord
	var lastActive sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.Homeserver, &rec.Username, &rec.BotClass,
		&rec.State, &rec.AccessToken, &rec.EncryptedPassword, &rec.Settings,
		&rec.LastSyncToken, &lastActive, &lastError, &rec.MessagesHandled,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return AgentRecord{}, err
	}
	rec.LastActiveAt = lastActive
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return rec, nil
}

const agentColumns = `id, name, homeserver, username, bot_class, state, access_token,
	encrypted_password, settings, last_sync_token, last_active_at, last_error,
	messages_handled, created_at, updated_at`

// GetAgent returns the agent with the given id, or (AgentRecord{}, nil) if absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	rec, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// GetAgentByName looks up an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?;`, name)
	rec, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return &rec, nil
}

// ListAgents returns every agent record, ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAgentsNotOffline returns agents whose last persisted state was not
// "offline" — the candidate set for the manager's start_all.
func (s *Store) ListAgentsNotOffline(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE state != 'offline' ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list non-offline agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateAgentState sets the state column, optionally stamping last_active_at
// and last_error. Pass touchActive=true when the transition is to
// online_idle.
func (s *Store) UpdateAgentState(ctx context.Context, id, state string, touchActive bool, lastError string) error {
	return retryOnBusy(ctx, 5, func() error {
		var err error
		if touchActive {
			_, err = s.db.ExecContext(ctx, `
				UPDATE agents SET state = ?, last_active_at = CURRENT_TIMESTAMP,
					last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, state, nullIfEmpty(lastError), id)
		} else {
			_, err = s.db.ExecContext(ctx, `
				UPDATE agents SET state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, state, nullIfEmpty(lastError), id)
		}
		if err != nil {
			return fmt.Errorf("update agent state: %w", err)
		}
		return nil
	})
}

// UpdateSyncToken persists the next_batch token after a successful sync.
func (s *Store) UpdateSyncToken(ctx context.Context, id, token string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_sync_token = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, token, id)
		if err != nil {
			return fmt.Errorf("update sync token: %w", err)
		}
		return nil
	})
}

// IncrementMessagesHandled bumps the monotonic counter by one.
func (s *Store) IncrementMessagesHandled(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET messages_handled = messages_handled + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("increment messages handled: %w", err)
		}
		return nil
	})
}

// DeleteAgent removes an agent record and its owned rows in one transaction.
// Agent records are destroyed only by operator action.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_store WHERE agent_id = ?;`, id); err != nil {
		return fmt.Errorf("delete agent store rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE agent_id = ?;`, id); err != nil {
		return fmt.Errorf("delete chat sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete agent: commit: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
