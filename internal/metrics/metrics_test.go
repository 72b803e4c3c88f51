package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("already registered by another test")
	}
	// must not panic
	IncSpawn(true)
	IncTermination("window_close_requested", "terminated")
	ObserveTermination(0.1)
	IncSlowTermination()
	IncPortHeld()
	SetState("running", []string{"running"})
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSpawn(true)
	IncSpawn(false)
	IncTermination("window_close_requested", "terminated")
	IncTermination("application_exit", "noop")
	ObserveTermination(0.02)
	IncSlowTermination()
	IncPortHeld()
	SetState("terminated", []string{"running", "terminated"})

	if got := testutil.ToFloat64(backendSpawns.WithLabelValues("ok")); got != 1 {
		t.Fatalf("spawns ok = %v", got)
	}
	if got := testutil.ToFloat64(terminations.WithLabelValues("application_exit", "noop")); got != 1 {
		t.Fatalf("noop terminations = %v", got)
	}
	if got := testutil.ToFloat64(supervisorState.WithLabelValues("running")); got != 0 {
		t.Fatalf("running gauge should be cleared, got %v", got)
	}
	if got := testutil.ToFloat64(supervisorState.WithLabelValues("terminated")); got != 1 {
		t.Fatalf("terminated gauge = %v", got)
	}

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"deskshell_backend_spawns_total",
		"deskshell_backend_terminations_total",
		"deskshell_backend_termination_duration_seconds",
		"deskshell_backend_slow_terminations_total",
		"deskshell_supervisor_state",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
