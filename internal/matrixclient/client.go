package matrixclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/activematrix/internal/cache"
	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/transport"
)

// CacheMode controls how much room/user state a Client materializes locally.
type CacheMode int

const (
	// CacheNone materializes no rooms or users; state goes straight through
	// API calls made by command handlers.
	CacheNone CacheMode = iota
	// CacheSome materializes rooms on demand but never caches users.
	CacheSome
	// CacheAll materializes both rooms and users; membership events mutate
	// the caches in place.
	CacheAll
)

// listenerState is the sync loop's own small state machine, independent of
// the owning agent's lifecycle state.
type listenerState int

const (
	listenerIdle listenerState = iota
	listenerListening
	listenerStopping
)

const (
	defaultSyncTimeoutMS = 30000
	initialSyncBackoff   = time.Second
	maxSyncBackoff       = 30 * time.Second
)

// Dispatcher receives events materialized out of a sync response, already
// split by kind and ordered per room before global delivery.
type Dispatcher interface {
	OnPresenceEvent(ctx context.Context, ev matrixapi.Event)
	OnInviteEvent(ctx context.Context, roomID string, ev matrixapi.Event)
	OnLeaveEvent(ctx context.Context, roomID string)
	OnRoomEvent(ctx context.Context, room *Room, ev matrixapi.Event)
	OnStateEvent(ctx context.Context, room *Room, ev matrixapi.Event)
	OnEphemeralEvent(ctx context.Context, room *Room, ev matrixapi.Event)
}

// Client is one agent's live Matrix session: the typed API, the room/user
// cache, and the long-poll sync loop that feeds them.
type Client struct {
	api    *matrixapi.API
	userID string
	logger *slog.Logger

	cacheMode   CacheMode
	rooms       *roomCache
	users       *userCache
	memberCache *cache.LRU[string, map[string]matrixapi.RoomMember]

	dispatcher Dispatcher

	mu            sync.Mutex
	state         listenerState
	lastSyncToken string
	stopCh        chan struct{}
	stoppedCh     chan struct{}
}

// Config bundles the dependencies needed to construct a Client.
type Config struct {
	Transport   *transport.Client
	InstancePrefix string
	Dispatcher  Dispatcher
	CacheMode   CacheMode
	Logger      *slog.Logger
}

// New builds an idle Client. Call SetUserID (directly, or implicitly via
// Login/Whoami on the API) before Start.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		api:         matrixapi.New(cfg.Transport, cfg.InstancePrefix),
		logger:      logger,
		cacheMode:   cfg.CacheMode,
		rooms:       newRoomCache(),
		users:       newUserCache(),
		memberCache: cache.NewLRU[string, map[string]matrixapi.RoomMember](0),
		dispatcher:  cfg.Dispatcher,
	}
	return c
}

// API exposes the underlying typed Matrix API, for login and one-off calls
// outside the sync loop (sending messages, joining rooms).
func (c *Client) API() *matrixapi.API { return c.api }

// UserID returns the authenticated user ID.
func (c *Client) UserID() string {
	if c.userID != "" {
		return c.userID
	}
	return c.api.UserID()
}

// SetUserID records the authenticated user ID, used by the room display-name
// algorithm to exclude self from the member list.
func (c *Client) SetUserID(userID string) {
	c.userID = userID
	c.api.SetUserID(userID)
}

// SetSyncToken restores a previously-persisted next_batch token so the
// first call to Start resumes from where a prior run left off, instead of
// doing a full initial sync.
func (c *Client) SetSyncToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSyncToken = token
}

// SyncToken returns the next_batch token the sync loop last advanced to,
// for persisting across restarts.
func (c *Client) SyncToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncToken
}

// Room returns the materialized Room for id, creating it if cacheMode != none.
func (c *Client) Room(id string) *Room {
	if r, ok := c.rooms.get(id); ok {
		return r
	}
	if c.cacheMode == CacheNone {
		return newRoom(id, c) // ephemeral, not retained
	}
	return c.rooms.getOrCreate(id, c)
}

// Rooms returns every currently materialized room.
func (c *Client) Rooms() []*Room { return c.rooms.all() }

// State reports the sync loop's current listener state as a string, for
// status reporting.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case listenerListening:
		return "listening"
	case listenerStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Start transitions idle->listening and runs the sync loop until ctx is
// cancelled or Stop is called. Calling Start while already listening is a
// programming error and returns immediately.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != listenerIdle {
		c.mu.Unlock()
		return fmt.Errorf("matrixclient: start called while listener is %v", c.state)
	}
	if c.UserID() == "" {
		c.mu.Unlock()
		return &transport.RequestError{StatusCode: 401, ErrCode: "M_MISSING_TOKEN", ErrMsg: "not logged in"}
	}
	c.state = listenerListening
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = listenerIdle
		close(c.stoppedCh)
		c.mu.Unlock()
	}()

	backoff := initialSyncBackoff
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}

		resp, err := c.api.Sync(ctx, c.lastSyncToken, defaultSyncTimeoutMS)
		if err != nil {
			var timeoutErr *transport.TimeoutError
			if errors.As(err, &timeoutErr) {
				failures++
				c.logger.Warn("sync timed out, retrying", "failures", failures, "backoff", backoff)
				select {
				case <-ctx.Done():
					return nil
				case <-c.stopCh:
					return nil
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxSyncBackoff {
					backoff = maxSyncBackoff
				}
				continue
			}
			return fmt.Errorf("sync loop: %w", err)
		}

		failures = 0
		backoff = initialSyncBackoff
		c.dispatch(ctx, resp)
		c.lastSyncToken = resp.NextBatch
	}
}

// Stop transitions listening->stopping->idle once the in-flight sync
// returns, then blocks until the loop has fully exited or ctx expires.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != listenerListening {
		c.mu.Unlock()
		return nil
	}
	c.state = listenerStopping
	stopCh := c.stopCh
	stoppedCh := c.stoppedCh
	c.mu.Unlock()

	close(stopCh)
	select {
	case <-stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch fans a sync response out per the presence -> invite -> leave ->
// join/timeline -> state -> ephemeral -> account-data ordering, materializing
// rooms lazily and invalidating caches on membership/alias/power-level state
// events.
func (c *Client) dispatch(ctx context.Context, resp *matrixapi.SyncResponse) {
	if c.dispatcher == nil {
		return
	}

	for _, ev := range resp.Presence.Events {
		c.dispatcher.OnPresenceEvent(ctx, ev)
	}

	for roomID, invite := range resp.Rooms.Invite {
		for _, ev := range invite.InviteState.Events {
			c.dispatcher.OnInviteEvent(ctx, roomID, ev)
		}
	}

	for roomID := range resp.Rooms.Leave {
		c.dispatcher.OnLeaveEvent(ctx, roomID)
		c.rooms.purge(roomID)
	}

	for roomID, joined := range resp.Rooms.Join {
		room := c.Room(roomID)
		for _, ev := range joined.Timeline.Events {
			room.recordEvent(ev)
			if ev.StateKey != nil {
				c.applyStateEvent(room, ev)
				c.dispatcher.OnStateEvent(ctx, room, ev)
			}
			c.dispatcher.OnRoomEvent(ctx, room, ev)
		}
		for _, ev := range joined.Ephemeral.Events {
			c.dispatcher.OnEphemeralEvent(ctx, room, ev)
		}
		for _, ev := range joined.AccountData.Events {
			room.SetAccountData(ev.Type, ev.Content)
		}
	}
}

// applyStateEvent updates cached room derivations in response to a state
// event observed in the timeline, per the invalidation rules.
func (c *Client) applyStateEvent(room *Room, ev matrixapi.Event) {
	switch ev.Type {
	case "m.room.member":
		room.invalidateMembers()
		if c.cacheMode == CacheAll {
			userID := stateKeyOf(ev)
			if userID != "" {
				displayName, _ := ev.Content["displayname"].(string)
				avatarURL, _ := ev.Content["avatar_url"].(string)
				c.users.observe(userID, displayName, avatarURL)
			}
		}
	case "m.room.canonical_alias":
		room.invalidateCanonicalAlias()
	case "m.room.power_levels":
		room.invalidatePowerLevels()
	case "m.room.name":
		if name, ok := ev.Content["name"].(string); ok {
			room.SetExplicitName(name)
		}
	}
}

func stateKeyOf(ev matrixapi.Event) string {
	if ev.StateKey == nil {
		return ""
	}
	return *ev.StateKey
}
