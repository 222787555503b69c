// Package eventlog records agent lifecycle and command-dispatch events to
// an append-only JSONL file under the daemon's home directory, gated by
// the log_agent_events config option.
package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/redact"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Kind      string `json:"kind"` // "state_changed", "command", "error"
	Detail    string `json:"detail"`
}

// Log writes agent events to a JSONL file, redacting secrets on the way in.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates (or appends to) logs/agent-events.jsonl under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "agent-events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one event. Detail is redacted before it touches disk.
func (l *Log) Record(agentID, kind, detail string) {
	detail = redact.Redact(detail)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:   agentID,
		Kind:      kind,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = l.file.Write(append(b, '\n'))
}
