package matrixapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/transport"
)

func TestLogin_SetsAccessTokenAndUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(matrixapi.LoginResponse{
			UserID: "@smith:hs.example", AccessToken: "tok-abc", DeviceID: "dev1",
		})
	}))
	defer srv.Close()

	api := matrixapi.New(transport.New(srv.URL, ""), "txn")
	resp, err := api.Login(context.Background(), "smith", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.UserID != "@smith:hs.example" {
		t.Fatalf("user_id = %q", resp.UserID)
	}
	if api.UserID() != "@smith:hs.example" {
		t.Fatalf("API.UserID() = %q", api.UserID())
	}
}

func TestSendMessage_UsesMonotonicTxnIDs(t *testing.T) {
	var seenPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPaths = append(seenPaths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt"})
	}))
	defer srv.Close()

	api := matrixapi.New(transport.New(srv.URL, "tok"), "txn")
	for i := 0; i < 3; i++ {
		if _, err := api.SendMessage(context.Background(), "!room:hs", "m.text", "hi"); err != nil {
			t.Fatalf("send message: %v", err)
		}
	}
	if len(seenPaths) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(seenPaths))
	}
	if seenPaths[0] == seenPaths[1] || seenPaths[1] == seenPaths[2] {
		t.Fatalf("expected distinct transaction IDs in path, got %v", seenPaths)
	}
}

func TestMembers_ParsesJoinedMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"joined": map[string]any{
				"@bob:hs": map[string]string{"displayname": "Bob", "membership": "join"},
			},
		})
	}))
	defer srv.Close()

	api := matrixapi.New(transport.New(srv.URL, "tok"), "txn")
	members, err := api.Members(context.Background(), "!room:hs")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if _, ok := members["@bob:hs"]; !ok {
		t.Fatalf("expected @bob:hs in members, got %+v", members)
	}
}

func TestPowerLevelOf_FallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(matrixapi.PowerLevels{
			Users:        map[string]int{"@admin:hs": 100},
			UsersDefault: 0,
		})
	}))
	defer srv.Close()

	api := matrixapi.New(transport.New(srv.URL, "tok"), "txn")
	lvl, err := api.PowerLevelOf(context.Background(), "!room:hs", "@nobody:hs")
	if err != nil {
		t.Fatalf("power level: %v", err)
	}
	if lvl != 0 {
		t.Fatalf("expected default power level 0, got %d", lvl)
	}

	lvl, err = api.PowerLevelOf(context.Background(), "!room:hs", "@admin:hs")
	if err != nil {
		t.Fatalf("power level: %v", err)
	}
	if lvl != 100 {
		t.Fatalf("expected power level 100, got %d", lvl)
	}
}

func TestDiscoverBaseURL_FallsBackWhenNoWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	base, err := matrixapi.DiscoverBaseURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if base != srv.URL {
		t.Fatalf("expected fallback to server name, got %q", base)
	}
}
