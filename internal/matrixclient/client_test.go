package matrixclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/transport"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	roomEvents int32
	invites    int32
	stateEvs   int32
}

func (d *recordingDispatcher) OnPresenceEvent(ctx context.Context, ev matrixapi.Event) {}
func (d *recordingDispatcher) OnInviteEvent(ctx context.Context, roomID string, ev matrixapi.Event) {
	atomic.AddInt32(&d.invites, 1)
}
func (d *recordingDispatcher) OnLeaveEvent(ctx context.Context, roomID string) {}
func (d *recordingDispatcher) OnRoomEvent(ctx context.Context, room *Room, ev matrixapi.Event) {
	atomic.AddInt32(&d.roomEvents, 1)
}
func (d *recordingDispatcher) OnStateEvent(ctx context.Context, room *Room, ev matrixapi.Event) {
	atomic.AddInt32(&d.stateEvs, 1)
}
func (d *recordingDispatcher) OnEphemeralEvent(ctx context.Context, room *Room, ev matrixapi.Event) {
}

func TestClient_Start_RequiresLogin(t *testing.T) {
	c := New(Config{Transport: transport.New("http://unused.invalid", "")})
	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected error when starting without a user id")
	}
}

const joinedTimelineSyncBody = `{
	"next_batch": "batch1",
	"rooms": {
		"join": {
			"!room:hs": {
				"timeline": {
					"events": [
						{"type": "m.room.message", "sender": "@bob:hs", "event_id": "$1"}
					]
				}
			}
		}
	}
}`

func TestClient_Start_DispatchesJoinedTimelineEvents(t *testing.T) {
	var synced int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&synced, 1)
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(joinedTimelineSyncBody))
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	disp := &recordingDispatcher{}
	c := New(Config{Transport: transport.New(srv.URL, "tok"), Dispatcher: disp, CacheMode: CacheSome})
	c.SetUserID("@self:hs")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&disp.roomEvents) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&disp.roomEvents) == 0 {
		t.Fatal("expected at least one room event to be dispatched")
	}

	cancel()
	<-done
}

func TestClient_StateTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"next_batch": "batch1"}`))
	}))
	defer srv.Close()

	c := New(Config{Transport: transport.New(srv.URL, "tok"), Dispatcher: &recordingDispatcher{}})
	c.SetUserID("@self:hs")

	if c.State() != "idle" {
		t.Fatalf("expected idle before start, got %q", c.State())
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.Now().Add(time.Second)
	for c.State() != "listening" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != "listening" {
		t.Fatalf("expected listening, got %q", c.State())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
	if c.State() != "idle" {
		t.Fatalf("expected idle after stop, got %q", c.State())
	}
}
