package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/config"
)

func TestCoordinator_SingleWorkerServesStatusAndShutsDownOnSignal(t *testing.T) {
	cfg := config.Config{
		HomeDir:                 t.TempDir(),
		MaxClientsPerHomeserver: 1,
		ShutdownTimeoutSeconds:  1,
		BindAddr:                "127.0.0.1:0",
	}
	addr := "127.0.0.1:19321"

	coord := New(Config{
		ActiveMatrix: cfg,
		WorkerCount:  1,
		ProbeAddr:    addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	waitForProbe(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	statusResp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("get /status: %v", err)
	}
	var body StatusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	statusResp.Body.Close()
	if body.Workers != 1 {
		t.Fatalf("workers = %d, want 1", body.Workers)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not shut down within deadline")
	}
}

func waitForProbe(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := http.Get("http://" + addr + "/health"); err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("probe server never became reachable")
}
