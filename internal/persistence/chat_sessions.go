package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxHistorySize bounds ChatSession.message_history.
const MaxHistorySize = 20

// MessageRecord is one entry in a ChatSession's message_history.
type MessageRecord struct {
	EventID   string    `json:"event_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is the (agent, user, room) conversation record.
type ChatSession struct {
	AgentID        string
	UserID         string
	RoomID         string
	Context        string // JSON map
	MessageHistory []MessageRecord
	MessageCount   int
	LastMessageAt  sql.NullTime
}

// GetOrCreateChatSession fetches the session for (agentID,userID,roomID),
// creating an empty one if absent.
func (s *Store) GetOrCreateChatSession(ctx context.Context, agentID, userID, roomID string) (*ChatSession, error) {
	sess, err := s.GetChatSession(ctx, agentID, userID, roomID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	empty := &ChatSession{AgentID: agentID, UserID: userID, RoomID: roomID, Context: "{}"}
	if err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_sessions (agent_id, user_id, room_id, context, message_history, message_count)
			VALUES (?, ?, ?, '{}', '[]', 0)
			ON CONFLICT(agent_id, user_id, room_id) DO NOTHING;
		`, agentID, userID, roomID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return empty, nil
}

// GetChatSession returns the session or nil if it does not exist yet.
func (s *Store) GetChatSession(ctx context.Context, agentID, userID, roomID string) (*ChatSession, error) {
	var sess ChatSession
	var historyJSON string
	var lastMessageAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, user_id, room_id, context, message_history, message_count, last_message_at
		FROM chat_sessions WHERE agent_id = ? AND user_id = ? AND room_id = ?;
	`, agentID, userID, roomID).Scan(&sess.AgentID, &sess.UserID, &sess.RoomID,
		&sess.Context, &historyJSON, &sess.MessageCount, &lastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat session: %w", err)
	}
	sess.LastMessageAt = lastMessageAt
	if err := json.Unmarshal([]byte(historyJSON), &sess.MessageHistory); err != nil {
		return nil, fmt.Errorf("decode message history: %w", err)
	}
	return &sess, nil
}

// AppendMessage appends a message to the session's history, truncating to
// MaxHistorySize, and atomically increments the owning agent's
// messages_handled counter and last_active_at. The whole operation runs
// in a single transaction.
func (s *Store) AppendMessage(ctx context.Context, agentID, userID, roomID string, msg MessageRecord) (*ChatSession, error) {
	var result *ChatSession
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("append message: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var historyJSON, contextJSON string
		err = tx.QueryRowContext(ctx, `
			SELECT context, message_history FROM chat_sessions
			WHERE agent_id = ? AND user_id = ? AND room_id = ?;
		`, agentID, userID, roomID).Scan(&contextJSON, &historyJSON)
		if errors.Is(err, sql.ErrNoRows) {
			contextJSON, historyJSON = "{}", "[]"
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_sessions (agent_id, user_id, room_id, context, message_history, message_count)
				VALUES (?, ?, ?, '{}', '[]', 0);
			`, agentID, userID, roomID); err != nil {
				return fmt.Errorf("append message: seed session: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("append message: load session: %w", err)
		}

		var history []MessageRecord
		if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
			return fmt.Errorf("append message: decode history: %w", err)
		}
		history = append(history, msg)
		if len(history) > MaxHistorySize {
			history = history[len(history)-MaxHistorySize:]
		}
		newHistoryJSON, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("append message: encode history: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions SET message_history = ?, message_count = ?, last_message_at = ?
			WHERE agent_id = ? AND user_id = ? AND room_id = ?;
		`, string(newHistoryJSON), len(history), msg.Timestamp, agentID, userID, roomID); err != nil {
			return fmt.Errorf("append message: update session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET messages_handled = messages_handled + 1,
				last_active_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, agentID); err != nil {
			return fmt.Errorf("append message: bump agent counters: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("append message: commit: %w", err)
		}

		result = &ChatSession{
			AgentID:        agentID,
			UserID:         userID,
			RoomID:         roomID,
			Context:        contextJSON,
			MessageHistory: history,
			MessageCount:   len(history),
			LastMessageAt:  sql.NullTime{Time: msg.Timestamp, Valid: true},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MergeContext merge-writes into the session's context JSON map.
func (s *Store) MergeContext(ctx context.Context, agentID, userID, roomID string, updates map[string]any) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("merge context: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var contextJSON string
		err = tx.QueryRowContext(ctx, `
			SELECT context FROM chat_sessions WHERE agent_id = ? AND user_id = ? AND room_id = ?;
		`, agentID, userID, roomID).Scan(&contextJSON)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_sessions (agent_id, user_id, room_id, context, message_history, message_count)
				VALUES (?, ?, ?, '{}', '[]', 0);
			`, agentID, userID, roomID); err != nil {
				return fmt.Errorf("merge context: seed session: %w", err)
			}
			contextJSON = "{}"
		} else if err != nil {
			return fmt.Errorf("merge context: load session: %w", err)
		}

		current := make(map[string]any)
		if err := json.Unmarshal([]byte(contextJSON), &current); err != nil {
			return fmt.Errorf("merge context: decode: %w", err)
		}
		for k, v := range updates {
			current[k] = v
		}
		merged, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("merge context: encode: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions SET context = ? WHERE agent_id = ? AND user_id = ? AND room_id = ?;
		`, string(merged), agentID, userID, roomID); err != nil {
			return fmt.Errorf("merge context: update: %w", err)
		}
		return tx.Commit()
	})
}

// ReapStaleChatSessions deletes sessions whose last_message_at is older
// than staleAfter.
func (s *Store) ReapStaleChatSessions(ctx context.Context, staleAfter time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_sessions WHERE last_message_at IS NOT NULL AND last_message_at <= ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale chat sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListChatSessionsForAgent returns every session for an agent, used by the
// `status` command's room listing.
func (s *Store) ListChatSessionsForAgent(ctx context.Context, agentID string) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, user_id, room_id, context, message_history, message_count, last_message_at
		FROM chat_sessions WHERE agent_id = ? ORDER BY last_message_at DESC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()
	var out []ChatSession
	for rows.Next() {
		var sess ChatSession
		var historyJSON string
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&sess.AgentID, &sess.UserID, &sess.RoomID, &sess.Context,
			&historyJSON, &sess.MessageCount, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		sess.LastMessageAt = lastMessageAt
		_ = json.Unmarshal([]byte(historyJSON), &sess.MessageHistory)
		out = append(out, sess)
	}
	return out, rows.Err()
}
