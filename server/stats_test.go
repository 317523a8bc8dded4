package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatsMetricsWithoutExpvar(t *testing.T) {
	mux := http.NewServeMux()

	// Prometheus enabled on its own, expvar disabled.
	statsInit(mux, "-", "/metrics")
	defer statsShutdown()

	if globals.statsUpdate == nil {
		t.Fatal("update pipeline not started")
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if _, pattern := mux.Handler(req); pattern != "/metrics" {
		t.Fatalf("metrics endpoint not registered, matched pattern %q", pattern)
	}
}

func TestStatsBothDisabled(t *testing.T) {
	saved := globals.statsUpdate
	globals.statsUpdate = nil
	defer func() { globals.statsUpdate = saved }()

	statsInit(http.NewServeMux(), "", "-")
	if globals.statsUpdate != nil {
		t.Fatal("update pipeline started with all surfaces disabled")
	}
}

func TestCamelToSnake(t *testing.T) {
	tests := map[string]string{
		"Uptime":          "uptime",
		"LiveSessions":    "live_sessions",
		"RPCCallsTotal":   "rpc_calls_total",
		"PendingRPCCalls": "pending_rpc_calls",
		"TotalTopics":     "total_topics",
	}
	for in, want := range tests {
		if got := camelToSnake(in); got != want {
			t.Errorf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}
