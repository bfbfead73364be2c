package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, Snapshot) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)

	var snap Snapshot
	if path == "/health" {
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, snap
}

func TestRoot(t *testing.T) {
	s := NewServer(NewTracker(nil), nil, Options{}, zerolog.Nop())
	rec, _ := get(t, s, "/")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("root = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthy(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(func() time.Time { return now })
	tracker.ObserveCycle(now, nil)

	s := NewServer(tracker, stubPinger{}, Options{StaleAfter: time.Minute}, zerolog.Nop())
	rec, snap := get(t, s, "/health")
	if rec.Code != http.StatusOK || snap.Status != "healthy" || snap.Database != "ok" {
		t.Fatalf("health = %d %+v", rec.Code, snap)
	}
	if snap.LastOKAt == nil || !snap.LastOKAt.Equal(now) {
		t.Fatalf("last ok = %v", snap.LastOKAt)
	}
}

func TestUnhealthyOnPingFailure(t *testing.T) {
	s := NewServer(NewTracker(nil), stubPinger{err: errors.New("connection refused")}, Options{}, zerolog.Nop())
	rec, snap := get(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable || snap.Database != "connection refused" {
		t.Fatalf("health = %d %+v", rec.Code, snap)
	}
}

func TestUnhealthyWhenCyclesStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(func() time.Time { return now })
	tracker.ObserveCycle(now, nil)
	now = now.Add(10 * time.Minute)
	tracker.ObserveCycle(now, errors.New("list active monitors: timeout"))

	s := NewServer(tracker, stubPinger{}, Options{StaleAfter: 5 * time.Minute}, zerolog.Nop())
	rec, snap := get(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health = %d %+v", rec.Code, snap)
	}
	if snap.LastError == "" {
		t.Fatal("last error should be reported")
	}
}
