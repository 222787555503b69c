package matrixclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/transport"
)

func TestDeriveNameFromMembers_EmptyRoom(t *testing.T) {
	name := deriveNameFromMembers(map[string]matrixapi.RoomMember{
		"@self:hs": {DisplayName: "Self"},
	}, "@self:hs")
	if name != "Empty Room" {
		t.Fatalf("expected Empty Room, got %q", name)
	}
}

func TestDeriveNameFromMembers_OneOther(t *testing.T) {
	name := deriveNameFromMembers(map[string]matrixapi.RoomMember{
		"@self:hs": {DisplayName: "Self"},
		"@bob:hs":  {DisplayName: "Bob"},
	}, "@self:hs")
	if name != "Bob" {
		t.Fatalf("expected Bob, got %q", name)
	}
}

func TestDeriveNameFromMembers_TwoOthers(t *testing.T) {
	name := deriveNameFromMembers(map[string]matrixapi.RoomMember{
		"@self:hs":    {DisplayName: "Self"},
		"@alice:hs":   {DisplayName: "Alice"},
		"@bob:hs":     {DisplayName: "Bob"},
	}, "@self:hs")
	if name != "Alice and Bob" {
		t.Fatalf("expected \"Alice and Bob\", got %q", name)
	}
}

func TestDeriveNameFromMembers_ManyOthers(t *testing.T) {
	name := deriveNameFromMembers(map[string]matrixapi.RoomMember{
		"@self:hs":  {DisplayName: "Self"},
		"@alice:hs": {DisplayName: "Alice"},
		"@bob:hs":   {DisplayName: "Bob"},
		"@carl:hs":  {DisplayName: "Carl"},
	}, "@self:hs")
	if name != "Alice and 2 others" {
		t.Fatalf("expected \"Alice and 2 others\", got %q", name)
	}
}

func TestRoom_Aliases_CanonicalOnlySkipsRoomAliasesCall(t *testing.T) {
	roomAliasesCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_matrix/client/v3/rooms/!room:hs/state/m.room.canonical_alias":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"alias": "#main:hs"})
		case r.URL.Path == "/_matrix/client/v3/rooms/!room:hs/aliases":
			roomAliasesCalled = true
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string][]string{"aliases": {"#extra:hs"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{Transport: transport.New(srv.URL, "tok")})
	room := c.Room("!room:hs")

	aliases, err := room.Aliases(context.Background(), true)
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	if roomAliasesCalled {
		t.Fatal("expected canonicalOnly=true to never call get_room_aliases")
	}
	if len(aliases) != 1 || aliases[0] != "#main:hs" {
		t.Fatalf("aliases = %+v, want [#main:hs]", aliases)
	}
}

func TestRoom_Aliases_MergesCanonicalAndRoomAliases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_matrix/client/v3/rooms/!room:hs/state/m.room.canonical_alias":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"alias": "#main:hs"})
		case r.URL.Path == "/_matrix/client/v3/rooms/!room:hs/aliases":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string][]string{"aliases": {"#main:hs", "#extra:hs"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{Transport: transport.New(srv.URL, "tok")})
	room := c.Room("!room:hs")

	aliases, err := room.Aliases(context.Background(), false)
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	sort.Strings(aliases)
	if len(aliases) != 2 || aliases[0] != "#extra:hs" || aliases[1] != "#main:hs" {
		t.Fatalf("aliases = %+v, want [#extra:hs #main:hs]", aliases)
	}
}

func TestRoom_RecordEventTruncatesHistory(t *testing.T) {
	r := newRoom("!room:hs", nil)
	for i := 0; i < eventHistoryLimit+5; i++ {
		r.recordEvent(matrixapi.Event{EventID: "$evt"})
	}
	if len(r.History()) != eventHistoryLimit {
		t.Fatalf("expected history capped at %d, got %d", eventHistoryLimit, len(r.History()))
	}
}
