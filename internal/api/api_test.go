package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/BTreeMap/MemeryBot/internal/store"
	"github.com/BTreeMap/MemeryBot/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

type brokenStore struct {
	*store.InMemoryStore
}

func (brokenStore) GetStats(ctx context.Context) (models.BotStats, error) {
	return models.BotStats{}, errors.New("connection refused")
}

func newTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	return NewServer(st, prometheus.NewRegistry())
}

func doRequest(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, store.NewInMemoryStore())
	rr := doRequest(t, s, http.MethodGet, "/health")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /health")
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestHealthHandler_StoreDown(t *testing.T) {
	s := newTestServer(t, brokenStore{store.NewInMemoryStore()})
	rr := doRequest(t, s, http.MethodGet, "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "degraded") {
		t.Errorf("expected degraded status, got %s", rr.Body.String())
	}
}

func TestStatsHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	if err := st.SetCursor(ctx, "1500"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.IncrementCount(ctx); err != nil {
			t.Fatalf("IncrementCount: %v", err)
		}
	}

	rr := doRequest(t, newTestServer(t, st), http.MethodGet, "/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats models.BotStats
	testutil.AssertJSONResponse(t, rr, "ok", &stats)
	if stats.LastMentionID != "1500" || stats.TotalProcessedCount != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStatsHandler_StoreError(t *testing.T) {
	rr := doRequest(t, newTestServer(t, brokenStore{store.NewInMemoryStore()}), http.MethodGet, "/stats")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if msg := testutil.AssertJSONResponse(t, rr, "error", nil); msg == "" {
		t.Error("expected an error message")
	}
}

func TestListMentionsHandler_Limits(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedMentions(t, st, "101", "102", "103")
	s := newTestServer(t, st)

	tests := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"default limit", "/mentions", http.StatusOK, 3},
		{"explicit limit", "/mentions?limit=2", http.StatusOK, 2},
		{"limit above max is clamped", "/mentions?limit=500", http.StatusOK, 3},
		{"non numeric limit", "/mentions?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/mentions?limit=0", http.StatusBadRequest, 0},
		{"negative limit", "/mentions?limit=-4", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, s, http.MethodGet, tt.target)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rr.Code, rr.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var records []models.MentionRecord
			testutil.AssertJSONResponse(t, rr, "ok", &records)
			if len(records) != tt.count {
				t.Errorf("expected %d records, got %d", tt.count, len(records))
			}
		})
	}
}

func TestListMentionsHandler_EmptyStoreReturnsArray(t *testing.T) {
	rr := doRequest(t, newTestServer(t, store.NewInMemoryStore()), http.MethodGet, "/mentions")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("expected empty result array, got %s", rr.Body.String())
	}
}

func TestGetMentionHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedMentions(t, st, "42")
	path := "/tmp/out/meme.png"
	if err := st.Complete(context.Background(), "42", &path); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	s := newTestServer(t, st)

	rr := doRequest(t, s, http.MethodGet, "/mentions/42")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var rec models.MentionRecord
	testutil.AssertJSONResponse(t, rr, "ok", &rec)
	if rec.MentionID != "42" || rec.Status != models.MentionStatusCompleted {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.ImagePath == nil || *rec.ImagePath != path {
		t.Errorf("expected image path %q, got %v", path, rec.ImagePath)
	}

	rr = doRequest(t, s, http.MethodGet, "/mentions/404")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown mention, got %d", rr.Code)
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, store.NewInMemoryStore())
	for _, target := range []string{"/health", "/stats", "/mentions", "/mentions/1"} {
		rr := doRequest(t, s, http.MethodPost, target)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", target, rr.Code)
		}
		if allow := rr.Header().Get("Allow"); allow != http.MethodGet {
			t.Errorf("%s: expected Allow GET, got %q", target, allow)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "memerybot_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Add(7)

	s := NewServer(store.NewInMemoryStore(), reg)
	rr := doRequest(t, s, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "memerybot_test_total 7") {
		t.Errorf("expected counter in exposition, got:\n%s", rr.Body.String())
	}
}

func TestWriteJSONResponse_MarshalFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if rr.Body.String() != string(fallbackErrorResponse) {
		t.Errorf("expected fallback body, got %s", rr.Body.String())
	}
}
