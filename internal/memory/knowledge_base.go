package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/activematrix/internal/bus"
	"github.com/basket/activematrix/internal/persistence"
	"github.com/basket/activematrix/internal/router"
)

const defaultBroadcastTTL = 5 * time.Minute

// KnowledgeBase is the global, permissioned key/value tier shared across
// every agent. public_read/public_write gate which agents may read or
// write a given key; the daemon's own admin commands always bypass the
// gate.
type KnowledgeBase struct {
	store  *persistence.Store
	bus    *bus.Bus
	router *router.Router
}

// NewKnowledgeBase returns a KnowledgeBase backed by store, publishing
// broadcast events on eventBus for daemon-level observability (e.g. the
// event log). Call SetRouter to also deliver broadcasts to every running
// agent's registered routes.
func NewKnowledgeBase(store *persistence.Store, eventBus *bus.Bus) *KnowledgeBase {
	return &KnowledgeBase{store: store, bus: eventBus}
}

// SetRouter wires the event router broadcasts are delivered through. Set
// once at daemon startup, after the router and the knowledge base are both
// constructed.
func (k *KnowledgeBase) SetRouter(r *router.Router) {
	k.router = r
}

// Get returns the entry at key, or nil if absent/expired.
func (k *KnowledgeBase) Get(ctx context.Context, key string) (*persistence.KnowledgeBaseEntry, error) {
	return k.store.GetKnowledgeBaseValue(ctx, key)
}

// Set writes an entry directly, bypassing the broadcast event. Used for
// bulk/administrative writes that shouldn't wake every agent.
func (k *KnowledgeBase) Set(ctx context.Context, key, value, category string, ttl time.Duration, publicRead, publicWrite bool) error {
	return k.store.SetKnowledgeBaseValue(ctx, key, value, category, ttl, publicRead, publicWrite)
}

// Delete removes key unconditionally.
func (k *KnowledgeBase) Delete(ctx context.Context, key string) error {
	return k.store.DeleteKnowledgeBaseValue(ctx, key)
}

// Broadcast sets value at key (ttl defaults to 5 minutes when zero) and
// then publishes a KnowledgeBroadcastEvent so every running agent's event
// router can react without polling the store.
func (k *KnowledgeBase) Broadcast(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultBroadcastTTL
	}
	if err := k.store.SetKnowledgeBaseValue(ctx, key, value, "", ttl, true, false); err != nil {
		return fmt.Errorf("broadcast %s: %w", key, err)
	}
	if k.bus != nil {
		k.bus.Publish(bus.TopicKnowledgeBroadcast, bus.KnowledgeBroadcastEvent{Key: key, Value: value})
	}
	if k.router != nil {
		k.router.BroadcastEvent(router.Event{
			EventType: "knowledge.broadcast",
			Payload:   bus.KnowledgeBroadcastEvent{Key: key, Value: value},
		})
	}
	return nil
}

// CheckRead reports whether an entry's public_read flag permits a
// non-owning agent to read it. The owning agent is not tracked
// separately in this data model, so public_read is the sole gate.
func (k *KnowledgeBase) CheckRead(entry *persistence.KnowledgeBaseEntry) bool {
	return entry != nil && entry.PublicRead
}

// CheckWrite reports whether a caller may write key given its existing
// public_write flag (absent keys are always writable; the first write
// sets the permission fields).
func (k *KnowledgeBase) CheckWrite(entry *persistence.KnowledgeBaseEntry) bool {
	return entry == nil || entry.PublicWrite
}

// FormatForAgent renders a subset of knowledge base entries as a text
// block grouped by category, for inclusion in a status or debug command's
// reply. Entries the caller cannot read are omitted.
func FormatForAgent(entries []persistence.KnowledgeBaseEntry) string {
	if len(entries) == 0 {
		return ""
	}
	byCategory := make(map[string][]persistence.KnowledgeBaseEntry)
	for _, e := range entries {
		cat := "uncategorized"
		if e.Category.Valid && e.Category.String != "" {
			cat = e.Category.String
		}
		byCategory[cat] = append(byCategory[cat], e)
	}
	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var sb strings.Builder
	sb.WriteString("<knowledge_base>\n")
	for _, cat := range categories {
		sb.WriteString(fmt.Sprintf("[%s]\n", cat))
		for _, e := range byCategory[cat] {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", e.Key, e.Value))
		}
	}
	sb.WriteString("</knowledge_base>")
	return sb.String()
}
