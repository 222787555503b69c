// Package matrixclient ties the typed API wrapper, the room/user cache, and
// the long-poll sync loop into a single per-agent Matrix session: struct-with-
// mutex-protected-cache shapes throughout, in the idiom of a chat-platform
// client wrapper with its own reconnect/session semantics layered over a
// third-party transport.
package matrixclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/matrixapi"
)

const memberCacheTTL = time.Hour

// eventHistoryLimit bounds the rolling buffer of recent timeline events kept
// per room for quick inspection by command handlers (e.g. "last message").
const eventHistoryLimit = 10

// Room is the in-memory representation of one joined or invited room,
// exclusively owned by the Client that materialized it.
type Room struct {
	mu sync.RWMutex

	id     string
	client *Client

	name           string
	canonicalAlias string
	aliasKnown     bool
	powerLevels    *matrixapi.PowerLevels
	members        map[string]matrixapi.RoomMember
	membersFetched bool
	accountData    map[string]map[string]any
	history        []matrixapi.Event
}

func newRoom(id string, client *Client) *Room {
	return &Room{id: id, client: client, accountData: make(map[string]map[string]any)}
}

// ID returns the room's Matrix room ID.
func (r *Room) ID() string { return r.id }

// recordEvent appends ev to the rolling history buffer, trimming to
// eventHistoryLimit.
func (r *Room) recordEvent(ev matrixapi.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, ev)
	if len(r.history) > eventHistoryLimit {
		r.history = r.history[len(r.history)-eventHistoryLimit:]
	}
}

// History returns a copy of the rolling event buffer, most recent last.
func (r *Room) History() []matrixapi.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]matrixapi.Event, len(r.history))
	copy(out, r.history)
	return out
}

// invalidateMembers drops the cached member list and display-name
// derivation; called whenever an m.room.member state event touches the room.
func (r *Room) invalidateMembers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = nil
	r.membersFetched = false
	r.client.memberCache.Delete(r.id)
}

// invalidateCanonicalAlias drops the cached canonical alias.
func (r *Room) invalidateCanonicalAlias() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliasKnown = false
}

// invalidatePowerLevels drops the cached power levels.
func (r *Room) invalidatePowerLevels() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powerLevels = nil
}

// SetExplicitName records an m.room.name state event's value.
func (r *Room) SetExplicitName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// SetAccountData stores one account-data event's content under its type key.
func (r *Room) SetAccountData(eventType string, content map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accountData[eventType] = content
}

// AccountData returns the cached content for eventType, or nil if absent.
func (r *Room) AccountData(eventType string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accountData[eventType]
}

// Members returns the room's joined members, fetching and caching them
// (for memberCacheTTL, in the client's shared cache) on first access. A
// pinned local copy avoids repeated reconstruction on every call.
func (r *Room) Members(ctx context.Context) (map[string]matrixapi.RoomMember, error) {
	r.mu.RLock()
	if r.membersFetched {
		m := r.members
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	if cached, ok := r.client.memberCache.Get(r.id); ok {
		r.mu.Lock()
		r.members = cached
		r.membersFetched = true
		r.mu.Unlock()
		return cached, nil
	}

	members, err := r.client.api.Members(ctx, r.id)
	if err != nil {
		return nil, err
	}
	r.client.memberCache.Set(r.id, members, memberCacheTTL)
	r.mu.Lock()
	r.members = members
	r.membersFetched = true
	r.mu.Unlock()
	return members, nil
}

// CanonicalAlias returns the room's canonical alias, fetching and caching
// it on first access.
func (r *Room) CanonicalAlias(ctx context.Context) (string, error) {
	r.mu.RLock()
	if r.aliasKnown {
		a := r.canonicalAlias
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	alias, err := r.client.api.CanonicalAlias(ctx, r.id)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.canonicalAlias = alias
	r.aliasKnown = true
	r.mu.Unlock()
	return alias, nil
}

// Aliases returns the room's aliases, sorted and deduplicated. With
// canonicalOnly=true only the cached canonical alias is consulted; with
// canonicalOnly=false get_room_aliases is also called and its results are
// merged with the canonical alias.
func (r *Room) Aliases(ctx context.Context, canonicalOnly bool) ([]string, error) {
	alias, err := r.CanonicalAlias(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	if alias != "" {
		set[alias] = struct{}{}
	}

	if !canonicalOnly {
		extra, err := r.client.api.GetRoomAliases(ctx, r.id)
		if err != nil {
			return nil, err
		}
		for _, a := range extra {
			set[a] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// PowerLevels returns the room's power levels, fetching and caching them on
// first access.
func (r *Room) PowerLevels(ctx context.Context) (*matrixapi.PowerLevels, error) {
	r.mu.RLock()
	if r.powerLevels != nil {
		pl := r.powerLevels
		r.mu.RUnlock()
		return pl, nil
	}
	r.mu.RUnlock()

	pl, err := r.client.api.GetPowerLevels(ctx, r.id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.powerLevels = pl
	r.mu.Unlock()
	return pl, nil
}

// UserPowerLevel returns userID's effective power level in the room.
func (r *Room) UserPowerLevel(ctx context.Context, userID string) (int, error) {
	pl, err := r.PowerLevels(ctx)
	if err != nil {
		return 0, err
	}
	if lvl, ok := pl.Users[userID]; ok {
		return lvl, nil
	}
	return pl.UsersDefault, nil
}

// UserCanSend reports whether userID may send an event of type eventType,
// comparing against the room's per-event-type power level requirement,
// falling back to state_default (for state events) or events_default.
func (r *Room) UserCanSend(ctx context.Context, userID, eventType string, isState bool) (bool, error) {
	pl, err := r.PowerLevels(ctx)
	if err != nil {
		return false, err
	}
	lvl, err := r.UserPowerLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	required, ok := pl.Events[eventType]
	if !ok {
		if isState {
			required = pl.StateDefault
		} else {
			required = pl.EventsDefault
		}
	}
	return lvl >= required, nil
}

// IsAdmin reports whether userID's power level in the room is >= 100.
func (r *Room) IsAdmin(ctx context.Context, userID string) (bool, error) {
	lvl, err := r.UserPowerLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	return lvl >= 100, nil
}

// IsModerator reports whether userID's power level in the room is >= 50.
func (r *Room) IsModerator(ctx context.Context, userID string) (bool, error) {
	lvl, err := r.UserPowerLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	return lvl >= 50, nil
}

// DisplayName derives the room's human-readable name: an explicit
// m.room.name wins; otherwise the canonical alias; otherwise a name built
// from joined members excluding the client's own user.
func (r *Room) DisplayName(ctx context.Context) (string, error) {
	r.mu.RLock()
	explicit := r.name
	r.mu.RUnlock()
	if explicit != "" {
		return explicit, nil
	}

	alias, err := r.CanonicalAlias(ctx)
	if err != nil {
		return "", err
	}
	if alias != "" {
		return alias, nil
	}

	members, err := r.Members(ctx)
	if err != nil {
		return "", err
	}
	return deriveNameFromMembers(members, r.client.UserID()), nil
}

func deriveNameFromMembers(members map[string]matrixapi.RoomMember, selfID string) string {
	others := make([]string, 0, len(members))
	for id, m := range members {
		if id == selfID {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = id
		}
		others = append(others, name)
	}
	sort.Strings(others)

	switch len(others) {
	case 0:
		return "Empty Room"
	case 1:
		return others[0]
	case 2:
		return fmt.Sprintf("%s and %s", others[0], others[1])
	default:
		return fmt.Sprintf("%s and %d others", others[0], len(others)-1)
	}
}

// ParticipantCount returns the number of joined members, including self,
// used by the status command's room listing as a derived (not stored) field.
func (r *Room) ParticipantCount(ctx context.Context) (int, error) {
	members, err := r.Members(ctx)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// roomCache is the client-scoped set of materialized Room objects, keyed by
// room ID. Membership events and leave events mutate it directly.
type roomCache struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func newRoomCache() *roomCache {
	return &roomCache{rooms: make(map[string]*Room)}
}

func (c *roomCache) getOrCreate(id string, client *Client) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[id]; ok {
		return r
	}
	r := newRoom(id, client)
	c.rooms[id] = r
	return r
}

func (c *roomCache) get(id string) (*Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

func (c *roomCache) purge(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, id)
}

func (c *roomCache) all() []*Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}
