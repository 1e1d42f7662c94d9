package pool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerSnapshot(t *testing.T) {
	s, _, clock := newTestScheduler(t, DefaultOptions())
	mustResolve(t, s, "555")
	clock.Advance(90 * time.Second)
	h := NewHandler(s, NewMonitor(s))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts.Pool != 3 || resp.Counts.Assigned != 1 {
		t.Fatalf("unexpected counts %+v", resp.Counts)
	}
	last := resp.Slots[len(resp.Slots)-1]
	if last.Key != "555" || last.Kind != "assigned" || last.IdleSeconds != 90 {
		t.Fatalf("unexpected caller view %+v", last)
	}
}

func TestHandlerSweep(t *testing.T) {
	s, _, clock := newTestScheduler(t, DefaultOptions())
	mustResolve(t, s, "555")
	clock.Advance(time.Hour)
	h := NewHandler(s, NewMonitor(s))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report SweepReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Recycled != 1 {
		t.Fatalf("expected one recycle, got %+v", report)
	}
}

func TestHandlerSetActive(t *testing.T) {
	s, _, _ := newTestScheduler(t, DefaultOptions())
	mustResolve(t, s, "555")
	h := NewHandler(s, NewMonitor(s)).Routes()

	cases := []struct {
		key    string
		body   string
		status int
	}{
		{"555", `{"active":false}`, http.StatusNoContent},
		{"555", `{}`, http.StatusBadRequest},
		{"999", `{"active":true}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/callers/"+tc.key+"/active", strings.NewReader(tc.body))
		h.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("%s %s: expected %d, got %d", tc.key, tc.body, tc.status, rec.Code)
		}
	}
	if slot, _ := s.Registry().Get("555"); slot.Active {
		t.Error("caller should be paused")
	}
}
