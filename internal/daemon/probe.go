package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/activematrix/internal/metrics"
)

// StatusSource answers the probe server's questions about the daemon's
// current condition. The coordinator implements this directly in
// single-worker mode; grounded on cmd/goclaw/status.go's /healthz contract,
// generalized to the three endpoints this spec requires.
type StatusSource interface {
	Stopping() bool
	Uptime() time.Duration
	WorkerCount() int
	AgentCounts() map[string]int
}

// StatusResponse is the JSON body served at /status.
type StatusResponse struct {
	Status string         `json:"status"`
	Uptime float64        `json:"uptime"`
	Workers int           `json:"workers"`
	Agents AgentCountsJSON `json:"agents"`
}

// AgentCountsJSON is the agents field of StatusResponse.
type AgentCountsJSON struct {
	Total      int `json:"total"`
	Online     int `json:"online"`
	Connecting int `json:"connecting"`
	Error      int `json:"error"`
	Offline    int `json:"offline"`
}

// ProbeServer is the small unauthenticated HTTP surface operators poll to
// check liveness, pull a status summary, and scrape Prometheus metrics.
type ProbeServer struct {
	source  StatusSource
	metrics *metrics.Registry
	logger  *slog.Logger
	srv     *http.Server
}

// NewProbeServer builds a ProbeServer bound to addr. Call Start to begin
// listening.
func NewProbeServer(addr string, source StatusSource, reg *metrics.Registry, logger *slog.Logger) *ProbeServer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProbeServer{source: source, metrics: reg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/status", p.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	p.srv = &http.Server{Addr: addr, Handler: mux}
	return p
}

// Handler returns the probe's http.Handler directly, for tests that want to
// drive it through httptest without binding a real listener.
func (p *ProbeServer) Handler() http.Handler {
	return p.srv.Handler
}

func (p *ProbeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p.source.Stopping() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stopping"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (p *ProbeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := p.source.AgentCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	status := "running"
	if p.source.Stopping() {
		status = "stopping"
	}
	resp := StatusResponse{
		Status:  status,
		Uptime:  p.source.Uptime().Seconds(),
		Workers: p.source.WorkerCount(),
		Agents: AgentCountsJSON{
			Total:      total,
			Online:     counts["online_idle"] + counts["online_busy"],
			Connecting: counts["connecting"],
			Error:      counts["error"],
			Offline:    counts["offline"] + counts["paused"],
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start begins serving in a background goroutine. Serve errors other than
// ErrServerClosed are logged; the caller learns about a bind failure only
// through the returned error from a synchronous first-call variant if one
// is needed, matching the teacher's fire-and-forget gateway listener pattern.
func (p *ProbeServer) Start() {
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("probe server exited with error", slog.Any("error", err))
		}
	}()
}

// Stop shuts the probe server down gracefully within ctx's deadline.
func (p *ProbeServer) Stop(ctx context.Context) error {
	return p.srv.Shutdown(ctx)
}
