// Package memory implements the tiered memory model:
// per-agent key/value storage with compositional helpers, per-conversation
// history with a transactional append, and a global permissioned knowledge
// base that broadcasts updates through the event bus. All tiers are
// write-through: the persistence store is the system of record, an
// in-process cache.LRU is consulted first on reads and updated on writes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/activematrix/internal/cache"
	"github.com/basket/activematrix/internal/persistence"
)

const agentMemoryCacheCapacity = 2048

// AgentMemory provides the get/set/delete/exists/keys/all/clear operations
// plus the remember/increment/push/pull helpers over a single agent's
// AgentStore namespace.
type AgentMemory struct {
	store   *persistence.Store
	agentID string
	cache   *cache.LRU[string, string]
}

// NewAgentMemory returns an AgentMemory bound to one agent's namespace,
// backed by the shared persistence store and an in-process read cache.
func NewAgentMemory(store *persistence.Store, agentID string, front *cache.LRU[string, string]) *AgentMemory {
	if front == nil {
		front = cache.NewLRU[string, string](agentMemoryCacheCapacity)
	}
	return &AgentMemory{store: store, agentID: agentID, cache: front}
}

func (m *AgentMemory) cacheKey(key string) string {
	return fmt.Sprintf("agent_memory/%s/%s", m.agentID, key)
}

// Get returns the raw string value stored at key.
func (m *AgentMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok := m.cache.Get(m.cacheKey(key)); ok {
		return v, true, nil
	}
	v, ok, err := m.store.GetAgentStoreValue(ctx, m.agentID, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		m.cache.Set(m.cacheKey(key), v, 0)
	}
	return v, ok, nil
}

// Set writes value at key with an optional ttl (0 disables expiry).
func (m *AgentMemory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.store.SetAgentStoreValue(ctx, m.agentID, key, value, ttl); err != nil {
		return err
	}
	m.cache.Set(m.cacheKey(key), value, ttl)
	return nil
}

// Delete removes key.
func (m *AgentMemory) Delete(ctx context.Context, key string) error {
	if err := m.store.DeleteAgentStoreValue(ctx, m.agentID, key); err != nil {
		return err
	}
	m.cache.Delete(m.cacheKey(key))
	return nil
}

// Exists reports whether a non-expired value is stored at key.
func (m *AgentMemory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Keys returns all non-expired keys in this agent's namespace.
func (m *AgentMemory) Keys(ctx context.Context) ([]string, error) {
	return m.store.ListAgentStoreKeys(ctx, m.agentID)
}

// All returns every non-expired (key, value) pair in this agent's namespace.
func (m *AgentMemory) All(ctx context.Context) (map[string]string, error) {
	return m.store.AllAgentStoreValues(ctx, m.agentID)
}

// Clear removes every key in this agent's namespace.
func (m *AgentMemory) Clear(ctx context.Context) error {
	return m.store.ClearAgentStore(ctx, m.agentID)
}

// Remember memoizes the result of compute under key for ttl: a cache hit
// within ttl returns the stored value without invoking compute; otherwise
// compute runs once and its result is stored.
func (m *AgentMemory) Remember(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if v, ok, err := m.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return "", err
	}
	if err := m.Set(ctx, key, v, ttl); err != nil {
		return "", err
	}
	return v, nil
}

// Increment adds n to the integer stored at key (treating an absent key as
// 0) and returns the new value.
func (m *AgentMemory) Increment(ctx context.Context, key string, n int) (int, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	current := 0
	if ok {
		if err := json.Unmarshal([]byte(v), &current); err != nil {
			return 0, fmt.Errorf("increment %s: stored value is not a number: %w", key, err)
		}
	}
	current += n
	encoded, _ := json.Marshal(current)
	if err := m.Set(ctx, key, string(encoded), 0); err != nil {
		return 0, err
	}
	return current, nil
}

// Push appends v to the JSON array stored at key (creating it if absent).
func (m *AgentMemory) Push(ctx context.Context, key string, v string) error {
	list, err := m.listAt(ctx, key)
	if err != nil {
		return err
	}
	list = append(list, v)
	return m.setList(ctx, key, list)
}

// Pull removes and returns the last element of the JSON array stored at
// key. Returns ok=false if the list is absent or empty.
func (m *AgentMemory) Pull(ctx context.Context, key string) (string, bool, error) {
	list, err := m.listAt(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(list) == 0 {
		return "", false, nil
	}
	last := list[len(list)-1]
	list = list[:len(list)-1]
	if err := m.setList(ctx, key, list); err != nil {
		return "", false, err
	}
	return last, true, nil
}

func (m *AgentMemory) listAt(ctx context.Context, key string) ([]string, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		return nil, fmt.Errorf("list at %s: stored value is not a list: %w", key, err)
	}
	return list, nil
}

func (m *AgentMemory) setList(ctx context.Context, key string, list []string) error {
	encoded, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, string(encoded), 0)
}
