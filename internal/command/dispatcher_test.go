package command_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/activematrix/internal/agentstate"
	"github.com/basket/activematrix/internal/command"
	"github.com/basket/activematrix/internal/matrixapi"
	"github.com/basket/activematrix/internal/matrixclient"
	"github.com/basket/activematrix/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*matrixclient.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := transport.New(srv.URL, "test-token")
	c := matrixclient.New(matrixclient.Config{Transport: tr})
	c.SetUserID("@bot:hs")
	return c, srv
}

func messageEvent(sender, body string) matrixapi.Event {
	return matrixapi.Event{
		Type:    "m.room.message",
		Sender:  sender,
		EventID: "$1",
		Content: map[string]any{"body": body},
	}
}

func TestDispatcher_InvokesRegisteredCommand(t *testing.T) {
	var sent string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sent = "called"
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"$reply"}`))
	})
	reg := command.NewRegistry()
	reg.Register(command.Entry{
		Name: "ping",
		Handler: func(ctx context.Context, c command.Context) (string, error) {
			return "pong", nil
		},
	})
	d := command.NewDispatcher(reg, command.DispatchConfig{})
	room := client.Room("!room:hs")

	d.Dispatch(context.Background(), nil, room, client, messageEvent("@alice:hs", "!ping"), command.DispatchMemory{})

	if sent != "called" {
		t.Fatal("expected ping handler's reply to be sent via the API")
	}
}

func TestDispatcher_IgnoresNonCommandMessages(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	reg := command.NewRegistry()
	reg.Register(command.Entry{Name: "ping", Handler: func(ctx context.Context, c command.Context) (string, error) {
		return "pong", nil
	}})
	d := command.NewDispatcher(reg, command.DispatchConfig{})
	room := client.Room("!room:hs")

	d.Dispatch(context.Background(), nil, room, client, messageEvent("@alice:hs", "hello there"), command.DispatchMemory{})

	if called {
		t.Fatal("expected no API call for a message without a command prefix")
	}
}

func TestDispatcher_IgnoreOwnRejectsSelfSender(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	reg := command.NewRegistry()
	reg.Register(command.Entry{Name: "ping", Handler: func(ctx context.Context, c command.Context) (string, error) {
		return "pong", nil
	}})
	d := command.NewDispatcher(reg, command.DispatchConfig{IgnoreOwn: true})
	room := client.Room("!room:hs")

	d.Dispatch(context.Background(), nil, room, client, messageEvent("@bot:hs", "!ping"), command.DispatchMemory{})

	if called {
		t.Fatal("expected ignore_own to suppress the bot's own messages")
	}
}

func TestDispatcher_VisibilityRejectionSuppressesHandler(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	reg := command.NewRegistry()
	reg.Register(command.Entry{
		Name:       "secret",
		Visibility: func(ctx context.Context, c command.Context) bool { return false },
		Handler: func(ctx context.Context, c command.Context) (string, error) {
			return "nope", nil
		},
	})
	d := command.NewDispatcher(reg, command.DispatchConfig{})
	room := client.Room("!room:hs")

	d.Dispatch(context.Background(), nil, room, client, messageEvent("@alice:hs", "!secret"), command.DispatchMemory{})

	if called {
		t.Fatal("expected visibility selector to suppress the handler and any reply")
	}
}

func TestDispatcher_ErrorReplySentWhenConfigured(t *testing.T) {
	var bodies []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		bodies = append(bodies, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"$reply"}`))
	})
	reg := command.NewRegistry()
	reg.Register(command.Entry{
		Name: "boom",
		Handler: func(ctx context.Context, c command.Context) (string, error) {
			panic("kaboom")
		},
	})
	d := command.NewDispatcher(reg, command.DispatchConfig{ReplyOnError: true})
	room := client.Room("!room:hs")

	d.Dispatch(context.Background(), nil, room, client, messageEvent("@alice:hs", "!boom"), command.DispatchMemory{})

	if len(bodies) != 1 {
		t.Fatalf("expected exactly one reply call for the panicking handler, got %d", len(bodies))
	}
}

func TestDispatcher_WrapsStateTransitionAroundHandler(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"$reply"}`))
	})
	reg := command.NewRegistry()
	var stateDuringHandler agentstate.State
	reg.Register(command.Entry{
		Name: "ping",
		Handler: func(ctx context.Context, c command.Context) (string, error) {
			return "pong", nil
		},
	})
	d := command.NewDispatcher(reg, command.DispatchConfig{})
	room := client.Room("!room:hs")

	m := agentstate.New()
	m.Fire(agentstate.EventConnect)
	m.Fire(agentstate.EventConnectionEstablished)

	reg.Register(command.Entry{
		Name: "check",
		Handler: func(ctx context.Context, c command.Context) (string, error) {
			stateDuringHandler = m.Current()
			return "", nil
		},
	})
	d.Dispatch(context.Background(), m, room, client, messageEvent("@alice:hs", "!check"), command.DispatchMemory{})

	if stateDuringHandler != agentstate.OnlineBusy {
		t.Fatalf("expected state to be online_busy during handler execution, got %s", stateDuringHandler)
	}
	if m.Current() != agentstate.OnlineIdle {
		t.Fatalf("expected state to return to online_idle after handler execution, got %s", m.Current())
	}
}
