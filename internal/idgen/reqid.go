// Package idgen generates the opaque identifiers threaded through the
// daemon: Matrix transaction IDs for idempotent PUTs, and request trace IDs
// for correlating log lines across a single HTTP round trip.
package idgen

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// TxnCounter produces monotonically increasing, opaque transaction IDs for
// one Matrix API instance, used on idempotent PUTs (send_message_event,
// send_state_event). Safe for concurrent use.
type TxnCounter struct {
	prefix string
	n      atomic.Int64
}

// NewTxnCounter creates a counter scoped to one API instance. prefix is
// typically the agent id, so transaction IDs stay unique across agents
// sharing a process even if counters reset.
func NewTxnCounter(prefix string) *TxnCounter {
	return &TxnCounter{prefix: prefix}
}

// Next returns the next transaction ID in the sequence.
func (c *TxnCounter) Next() string {
	n := c.n.Add(1)
	return fmt.Sprintf("%s-%d", c.prefix, n)
}
