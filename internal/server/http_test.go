package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mirrorx-relay/relayd/internal/relay"
)

func TestServeStatReturnsSnapshotJSON(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stat", nil)
	rec := httptest.NewRecorder()
	s.serveStat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var snap relay.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServeMetricsHidesProcessMetricsWithoutSecret(t *testing.T) {
	c := testConfig()
	c.MetricsSecret = "topsecret"
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.serveMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Fatalf("Content-Type: got %q", ct)
	}
	if strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("process metrics exposed without the secret")
	}
}

func TestServeMetricsWithSecretIncludesProcessMetrics(t *testing.T) {
	c := testConfig()
	c.MetricsSecret = "topsecret"
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics?secret=topsecret", nil)
	rec := httptest.NewRecorder()
	s.serveMetrics(rec, req)

	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("process metrics missing with the secret")
	}
}

func TestServeHTTPRootAndNotFound(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := httptest.NewRecorder()
	s.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/nonexistent: got %d, want 404", rec.Code)
	}
}
