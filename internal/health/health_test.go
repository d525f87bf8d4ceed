package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/dispatcher"
)

type staticProbe dispatcher.Status

func (p staticProbe) Status() dispatcher.Status { return dispatcher.Status(p) }

type fixedRate float64

func (r fixedRate) FramesPerSecond(string) float64 { return float64(r) }

func newChecker(now time.Time, probes ...ChainProbe) *HealthChecker {
	h := NewHealthChecker(probes, fixedRate(2), 2*time.Minute, zap.NewNop(), "test")
	h.clock = func() time.Time { return now }
	return h
}

func TestCheckChain_grades(t *testing.T) {
	now := time.Unix(1_600_000_000, 0)
	tests := []struct {
		name   string
		status dispatcher.Status
		want   HealthStatus
	}{
		{
			name:   "receiving frames",
			status: dispatcher.Status{Chain: "Kusama", Connected: true, LastEvent: now.Add(-5 * time.Second), Nodes: 3},
			want:   StatusHealthy,
		},
		{
			name:   "connected but silent",
			status: dispatcher.Status{Chain: "Kusama", Connected: true, LastEvent: now.Add(-3 * time.Minute)},
			want:   StatusDegraded,
		},
		{
			name:   "connected without frames yet",
			status: dispatcher.Status{Chain: "Kusama", Connected: true},
			want:   StatusDegraded,
		},
		{
			name:   "reconnecting",
			status: dispatcher.Status{Chain: "Kusama", LastError: "connection reset"},
			want:   StatusDegraded,
		},
		{
			name:   "transport gave up",
			status: dispatcher.Status{Chain: "Kusama", Stopped: true, LastError: "connection failure"},
			want:   StatusUnhealthy,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newChecker(now)
			got := h.checkChain(tc.status)
			if got.Status != tc.want {
				t.Fatalf("status = %s (%s), want %s", got.Status, got.Message, tc.want)
			}
			if got.Name != "chain:Kusama" {
				t.Fatalf("component name = %q", got.Name)
			}
			if got.Details["frames_per_second"] != 2.0 {
				t.Fatalf("frame rate missing from details: %v", got.Details)
			}
		})
	}
}

func TestHandleHealth_status_codes(t *testing.T) {
	now := time.Unix(1_600_000_000, 0)
	healthy := staticProbe{Chain: "Kusama", Connected: true, LastEvent: now}
	degraded := staticProbe{Chain: "Polkadot"}
	failed := staticProbe{Chain: "Westend", Stopped: true, LastError: "gave up"}

	tests := []struct {
		name   string
		probes []ChainProbe
		query  string
		code   int
		status HealthStatus
	}{
		{name: "healthy", probes: []ChainProbe{healthy}, code: http.StatusOK, status: StatusHealthy},
		{name: "degraded liveness", probes: []ChainProbe{healthy, degraded}, code: http.StatusOK, status: StatusDegraded},
		{name: "degraded readiness", probes: []ChainProbe{healthy, degraded}, query: "?ready=1", code: http.StatusServiceUnavailable, status: StatusDegraded},
		{name: "unhealthy", probes: []ChainProbe{healthy, failed}, code: http.StatusServiceUnavailable, status: StatusUnhealthy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newChecker(now, tc.probes...)
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health"+tc.query, nil))

			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("Content-Type = %q", ct)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tc.status {
				t.Fatalf("status = %s, want %s", resp.Status, tc.status)
			}
			if len(resp.Components) != len(tc.probes)+1 {
				t.Fatalf("got %d components, want %d", len(resp.Components), len(tc.probes)+1)
			}
		})
	}
}

func TestHandleHealth_rejects_post(t *testing.T) {
	h := newChecker(time.Now())
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", rec.Code)
	}
}

func TestCheckChain_frame_rate(t *testing.T) {
	now := time.Unix(1_600_000_000, 0)
	recent := now.Add(-30 * time.Second)
	tests := []struct {
		name  string
		rate  float64
		nodes int
		want  HealthStatus
	}{
		{"flowing", 1.5, 4, StatusHealthy},
		{"stalled with nodes", 0, 4, StatusDegraded},
		{"quiet empty chain", 0, 0, StatusHealthy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthChecker(nil, fixedRate(tc.rate), 2*time.Minute, zap.NewNop(), "test")
			h.clock = func() time.Time { return now }
			got := h.checkChain(dispatcher.Status{Chain: "Kusama", Connected: true, LastEvent: recent, Nodes: tc.nodes})
			if got.Status != tc.want {
				t.Fatalf("status = %s (%s), want %s", got.Status, got.Message, tc.want)
			}
		})
	}

	// Without a rate source only the silence rule applies.
	h := NewHealthChecker(nil, nil, 2*time.Minute, zap.NewNop(), "test")
	h.clock = func() time.Time { return now }
	if got := h.checkChain(dispatcher.Status{Chain: "Kusama", Connected: true, LastEvent: recent, Nodes: 4}); got.Status != StatusHealthy {
		t.Fatalf("status without rates = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckProcess(t *testing.T) {
	h := newChecker(time.Now(), staticProbe{Chain: "Kusama"})
	got := h.checkProcess()
	if got.Name != "process" || got.Status != StatusHealthy {
		t.Fatalf("process component = %+v", got)
	}
	if _, ok := got.Details["goroutines"]; !ok {
		t.Fatalf("goroutine count missing: %v", got.Details)
	}
}
