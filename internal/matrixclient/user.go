package matrixclient

import "sync"

// User is the in-memory profile of one Matrix user, shared across all rooms
// a client knows about. Rooms hold only the user's ID; lookups always go
// through the client's user cache.
type User struct {
	id          string
	displayName string
	avatarURL   string
}

// ID returns the user's Matrix user ID.
func (u *User) ID() string { return u.id }

// DisplayName returns the cached display name, or the bare user ID if none
// has been observed yet.
func (u *User) DisplayName() string {
	if u.displayName == "" {
		return u.id
	}
	return u.displayName
}

// AvatarURL returns the cached avatar mxc:// URL, if any.
func (u *User) AvatarURL() string { return u.avatarURL }

// userCache is the client-scoped set of materialized User objects, keyed by
// user ID. Populated opportunistically from m.room.member events.
type userCache struct {
	mu    sync.RWMutex
	users map[string]*User
}

func newUserCache() *userCache {
	return &userCache{users: make(map[string]*User)}
}

// getOrCreate returns the User for id, creating an empty one if absent.
func (c *userCache) getOrCreate(id string) *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[id]; ok {
		return u
	}
	u := &User{id: id}
	c.users[id] = u
	return u
}

// observe updates a user's profile fields from an m.room.member event.
func (c *userCache) observe(id, displayName, avatarURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		u = &User{id: id}
		c.users[id] = u
	}
	if displayName != "" {
		u.displayName = displayName
	}
	if avatarURL != "" {
		u.avatarURL = avatarURL
	}
}
