// Package matrixapi is a typed wrapper around the Matrix Client-Server API
// endpoints the daemon needs: login, sync, room messaging,
// membership, and display-name/profile lookups. It does not implement
// Application Service or Server-Server APIs; those are out of scope for
// this daemon.
package matrixapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/basket/activematrix/internal/idgen"
	"github.com/basket/activematrix/internal/transport"
)

// API wraps a transport.Client with Matrix CS API operations for one
// homeserver/user session.
type API struct {
	t       *transport.Client
	userID  string
	txn     *idgen.TxnCounter
}

// New creates an API bound to the given transport client. userID, once
// known (after login), should be set via SetUserID.
func New(t *transport.Client, instancePrefix string) *API {
	return &API{t: t, txn: idgen.NewTxnCounter(instancePrefix)}
}

// SetUserID records the authenticated user ID for this API instance.
func (a *API) SetUserID(userID string) { a.userID = userID }

// UserID returns the authenticated user ID, if known.
func (a *API) UserID() string { return a.userID }

// LoginRequest is the body of POST /_matrix/client/v3/login.
type LoginRequest struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// LoginResponse is the relevant subset of the login response.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login exchanges username+password (or a login token) for an access
// token and sets it on the underlying transport.
func (a *API) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	req := LoginRequest{Type: "m.login.password", User: username, Password: password}
	var resp LoginResponse
	if err := a.t.Do(ctx, http.MethodPost, "/_matrix/client/v3/login", req, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	a.t.SetAccessToken(resp.AccessToken)
	a.userID = resp.UserID
	return &resp, nil
}

// Whoami returns the user ID associated with the current access token,
// used to validate a pre-provisioned access_token before starting a sync loop.
func (a *API) Whoami(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := a.t.Do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, &resp); err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	a.userID = resp.UserID
	return resp.UserID, nil
}

// SyncResponse is the subset of the /sync response the daemon consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Presence  struct {
		Events []Event `json:"events"`
	} `json:"presence"`
	Rooms struct {
		Join map[string]struct {
			Timeline struct {
				Events []Event `json:"events"`
			} `json:"timeline"`
			Ephemeral struct {
				Events []Event `json:"events"`
			} `json:"ephemeral"`
			AccountData struct {
				Events []Event `json:"events"`
			} `json:"account_data"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []Event `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
		Leave map[string]struct{} `json:"leave"`
	} `json:"rooms"`
}

// Event is a minimal Matrix room event envelope.
type Event struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	EventID  string `json:"event_id"`
	Content  map[string]any `json:"content"`
	StateKey *string `json:"state_key,omitempty"`
	OriginServerTS int64 `json:"origin_server_ts"`
}

// Sync performs one long-poll /sync request. since is the prior next_batch
// token (empty for an initial sync), timeoutMS is the server-side long-poll
// timeout.
func (a *API) Sync(ctx context.Context, since string, timeoutMS int) (*SyncResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/sync?timeout=%d", timeoutMS)
	if since != "" {
		path += "&since=" + since
	}
	var resp SyncResponse
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return &resp, nil
}

// SendMessage sends an m.room.message event and returns its event ID. The
// transaction ID is generated from this API instance's monotonic counter
// so retried PUTs are idempotent per the Matrix CS API contract.
func (a *API) SendMessage(ctx context.Context, roomID, msgType, body string) (string, error) {
	txnID := a.txn.Next()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s", roomID, txnID)
	req := map[string]string{"msgtype": msgType, "body": body}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := a.t.Do(ctx, http.MethodPut, path, req, &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.EventID, nil
}

// JoinRoom accepts a room invite or joins a public room by ID/alias.
func (a *API) JoinRoom(ctx context.Context, roomIDOrAlias string) error {
	path := fmt.Sprintf("/_matrix/client/v3/join/%s", roomIDOrAlias)
	if err := a.t.Do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// RoomMember is the relevant subset of an m.room.member event's content.
type RoomMember struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Members returns the full member list for a room via the joined-members
// endpoint, used to populate the member cache.
func (a *API) Members(ctx context.Context, roomID string) (map[string]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", roomID)
	var resp struct {
		Joined map[string]RoomMember `json:"joined"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	return resp.Joined, nil
}

// PowerLevels is the relevant subset of an m.room.power_levels event's content.
type PowerLevels struct {
	Users         map[string]int `json:"users"`
	UsersDefault  int            `json:"users_default"`
	Events        map[string]int `json:"events"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
}

// GetPowerLevels fetches a room's m.room.power_levels state event.
func (a *API) GetPowerLevels(ctx context.Context, roomID string) (*PowerLevels, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.power_levels", roomID)
	pl := &PowerLevels{StateDefault: 50}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, pl); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return pl, nil
		}
		return nil, fmt.Errorf("power levels: %w", err)
	}
	return pl, nil
}

// PowerLevelOf returns the effective power level of userID in roomID.
func (a *API) PowerLevelOf(ctx context.Context, roomID, userID string) (int, error) {
	pl, err := a.GetPowerLevels(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if lvl, ok := pl.Users[userID]; ok {
		return lvl, nil
	}
	return pl.UsersDefault, nil
}

// RoomName fetches a room's explicit m.room.name state event, returning ""
// if the room has none set.
func (a *API) RoomName(ctx context.Context, roomID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.name", roomID)
	var resp struct {
		Name string `json:"name"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return "", nil
		}
		return "", fmt.Errorf("room name: %w", err)
	}
	return resp.Name, nil
}

// LeaveRoom leaves a room the client is a member of.
func (a *API) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", roomID)
	if err := a.t.Do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// InviteUser invites userID to roomID.
func (a *API) InviteUser(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", roomID)
	req := map[string]string{"user_id": userID}
	if err := a.t.Do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("invite user: %w", err)
	}
	return nil
}

// CanonicalAlias returns the room's canonical alias, or "" if unset.
func (a *API) CanonicalAlias(ctx context.Context, roomID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.canonical_alias", roomID)
	var resp struct {
		Alias string `json:"alias"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return "", nil
		}
		return "", fmt.Errorf("canonical alias: %w", err)
	}
	return resp.Alias, nil
}

// Logout invalidates the current access token.
func (a *API) Logout(ctx context.Context) error {
	if err := a.t.Do(ctx, http.MethodPost, "/_matrix/client/v3/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// KickUser removes userID from roomID, optionally with a reason.
func (a *API) KickUser(ctx context.Context, roomID, userID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/kick", roomID)
	req := map[string]string{"user_id": userID}
	if reason != "" {
		req["reason"] = reason
	}
	if err := a.t.Do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("kick user: %w", err)
	}
	return nil
}

// BanUser bans userID from roomID, optionally with a reason.
func (a *API) BanUser(ctx context.Context, roomID, userID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/ban", roomID)
	req := map[string]string{"user_id": userID}
	if reason != "" {
		req["reason"] = reason
	}
	if err := a.t.Do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("ban user: %w", err)
	}
	return nil
}

// UnbanUser lifts a ban on userID in roomID.
func (a *API) UnbanUser(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/unban", roomID)
	req := map[string]string{"user_id": userID}
	if err := a.t.Do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("unban user: %w", err)
	}
	return nil
}

// SendStateEvent sends a state event of the given type/state key to roomID
// and returns its event ID. stateKey may be "" for events keyed by the
// empty string (e.g. m.room.name).
func (a *API) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content map[string]any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s", roomID, eventType, stateKey)
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := a.t.Do(ctx, http.MethodPut, path, content, &resp); err != nil {
		return "", fmt.Errorf("send state event: %w", err)
	}
	return resp.EventID, nil
}

// GetRoomState returns every current state event in roomID.
func (a *API) GetRoomState(ctx context.Context, roomID string) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", roomID)
	var resp []Event
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get room state: %w", err)
	}
	return resp, nil
}

// GetRoomMembers returns the raw m.room.member state events for roomID,
// including historical (left/banned) members that Members omits.
func (a *API) GetRoomMembers(ctx context.Context, roomID string) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", roomID)
	var resp struct {
		Chunk []Event `json:"chunk"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get room members: %w", err)
	}
	return resp.Chunk, nil
}

// GetRoomAliases returns every alias published for roomID, canonical or
// not, via the dedicated aliases endpoint.
func (a *API) GetRoomAliases(ctx context.Context, roomID string) ([]string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/aliases", roomID)
	var resp struct {
		Aliases []string `json:"aliases"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("get room aliases: %w", err)
	}
	return resp.Aliases, nil
}

// RegisterRequest is the body of POST /_matrix/client/v3/register.
type RegisterRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Auth     map[string]any `json:"auth,omitempty"`
}

// Register creates a new account on the homeserver.
func (a *API) Register(ctx context.Context, req RegisterRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := a.t.Do(ctx, http.MethodPost, "/_matrix/client/v3/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

// CreateRoomRequest is the body of POST /_matrix/client/v3/createRoom.
type CreateRoomRequest struct {
	Name       string   `json:"name,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	RoomAliasName string `json:"room_alias_name,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
	Invite     []string `json:"invite,omitempty"`
	Preset     string   `json:"preset,omitempty"`
}

// CreateRoom creates a new room and returns its room ID.
func (a *API) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := a.t.Do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", req, &resp); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// PublicRoom is one entry of the public room directory.
type PublicRoom struct {
	RoomID           string `json:"room_id"`
	Name             string `json:"name,omitempty"`
	Topic            string `json:"topic,omitempty"`
	NumJoinedMembers int    `json:"num_joined_members"`
	CanonicalAlias   string `json:"canonical_alias,omitempty"`
}

// GetPublicRooms lists the rooms published in the homeserver's directory.
func (a *API) GetPublicRooms(ctx context.Context) ([]PublicRoom, error) {
	var resp struct {
		Chunk []PublicRoom `json:"chunk"`
	}
	if err := a.t.Do(ctx, http.MethodGet, "/_matrix/client/v3/publicRooms", nil, &resp); err != nil {
		return nil, fmt.Errorf("get public rooms: %w", err)
	}
	return resp.Chunk, nil
}

// GetAccountData fetches one account-data event by type for the logged in
// user.
func (a *API) GetAccountData(ctx context.Context, eventType string) (map[string]any, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s", a.userID, eventType)
	var resp map[string]any
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account data: %w", err)
	}
	return resp, nil
}

// SetAccountData writes one account-data event by type for the logged in
// user.
func (a *API) SetAccountData(ctx context.Context, eventType string, content map[string]any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s", a.userID, eventType)
	if err := a.t.Do(ctx, http.MethodPut, path, content, nil); err != nil {
		return fmt.Errorf("set account data: %w", err)
	}
	return nil
}

// GetPresenceStatus fetches a user's presence status.
func (a *API) GetPresenceStatus(ctx context.Context, userID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/presence/%s/status", userID)
	var resp struct {
		Presence string `json:"presence"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("get presence status: %w", err)
	}
	return resp.Presence, nil
}

// SetPresenceStatus sets the logged in user's presence status and an
// optional status message.
func (a *API) SetPresenceStatus(ctx context.Context, presence, statusMsg string) error {
	path := fmt.Sprintf("/_matrix/client/v3/presence/%s/status", a.userID)
	req := map[string]string{"presence": presence}
	if statusMsg != "" {
		req["status_msg"] = statusMsg
	}
	if err := a.t.Do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("set presence status: %w", err)
	}
	return nil
}

// GetDisplayName fetches userID's profile display name.
func (a *API) GetDisplayName(ctx context.Context, userID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", userID)
	var resp struct {
		DisplayName string `json:"displayname"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var reqErr *transport.RequestError
		if asNotFound(err, &reqErr) {
			return "", nil
		}
		return "", fmt.Errorf("get display name: %w", err)
	}
	return resp.DisplayName, nil
}

// SetDisplayName sets the logged in user's profile display name.
func (a *API) SetDisplayName(ctx context.Context, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", a.userID)
	req := map[string]string{"displayname": displayName}
	if err := a.t.Do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// GetUserTags returns the tags the logged in user has applied to roomID.
func (a *API) GetUserTags(ctx context.Context, roomID string) (map[string]any, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/tags", a.userID, roomID)
	var resp struct {
		Tags map[string]any `json:"tags"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get user tags: %w", err)
	}
	return resp.Tags, nil
}

// AddUserTag applies tag to roomID for the logged in user, with an
// optional ordering value.
func (a *API) AddUserTag(ctx context.Context, roomID, tag string, order float64) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/tags/%s", a.userID, roomID, tag)
	req := map[string]any{}
	if order != 0 {
		req["order"] = order
	}
	if err := a.t.Do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("add user tag: %w", err)
	}
	return nil
}

// RemoveUserTag removes tag from roomID for the logged in user.
func (a *API) RemoveUserTag(ctx context.Context, roomID, tag string) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/tags/%s", a.userID, roomID, tag)
	if err := a.t.Do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove user tag: %w", err)
	}
	return nil
}

// ReportEvent reports eventID in roomID to the homeserver's moderators.
func (a *API) ReportEvent(ctx context.Context, roomID, eventID, reason string, score int) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/report/%s", roomID, eventID)
	req := map[string]any{"reason": reason, "score": score}
	if err := a.t.Do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("report event: %w", err)
	}
	return nil
}

// RedactEvent redacts eventID in roomID, optionally with a reason, and
// returns the redaction event's ID.
func (a *API) RedactEvent(ctx context.Context, roomID, eventID, reason string) (string, error) {
	txnID := a.txn.Next()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s", roomID, eventID, txnID)
	req := map[string]string{}
	if reason != "" {
		req["reason"] = reason
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := a.t.Do(ctx, http.MethodPut, path, req, &resp); err != nil {
		return "", fmt.Errorf("redact event: %w", err)
	}
	return resp.EventID, nil
}

// SetTyping starts or stops the typing indicator for the logged in user in
// roomID. timeoutMS is ignored when typing is false.
func (a *API) SetTyping(ctx context.Context, roomID string, typing bool, timeoutMS int) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s", roomID, a.userID)
	req := map[string]any{"typing": typing}
	if typing {
		req["timeout"] = timeoutMS
	}
	if err := a.t.Do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// KeysQuery fetches the device/key listing for the given users, keyed by
// user ID. Used by the daemon only to surface key freshness in admin
// diagnostics; it never performs end-to-end encryption itself.
func (a *API) KeysQuery(ctx context.Context, deviceKeys map[string][]string) (map[string]any, error) {
	req := map[string]any{"device_keys": deviceKeys}
	var resp struct {
		DeviceKeys map[string]any `json:"device_keys"`
	}
	if err := a.t.Do(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", req, &resp); err != nil {
		return nil, fmt.Errorf("keys query: %w", err)
	}
	return resp.DeviceKeys, nil
}

// HierarchyRoom is one entry in a space hierarchy listing.
type HierarchyRoom struct {
	RoomID         string `json:"room_id"`
	Name           string `json:"name,omitempty"`
	CanonicalAlias string `json:"canonical_alias,omitempty"`
}

// GetHierarchy walks the space hierarchy rooted at roomID.
func (a *API) GetHierarchy(ctx context.Context, roomID string) ([]HierarchyRoom, error) {
	path := fmt.Sprintf("/_matrix/client/v1/rooms/%s/hierarchy", roomID)
	var resp struct {
		Rooms []HierarchyRoom `json:"rooms"`
	}
	if err := a.t.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get hierarchy: %w", err)
	}
	return resp.Rooms, nil
}

func asNotFound(err error, target **transport.RequestError) bool {
	re, ok := err.(*transport.RequestError)
	if !ok {
		return false
	}
	*target = re
	return re.StatusCode == 404 || re.ErrCode == "M_NOT_FOUND"
}
