package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mesmerverse/securechat/internal/chat"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/storage"
)

type mockSource struct {
	connected bool
	stats     chat.Stats
	depth     int
	depthErr  error
	states    map[string]model.DeliveryState
}

func (m *mockSource) Connected() bool   { return m.connected }
func (m *mockSource) Stats() chat.Stats { return m.stats }

func (m *mockSource) OutboxDepth(context.Context) (int, error) {
	return m.depth, m.depthErr
}

func (m *mockSource) DeliveryState(_ context.Context, id string) (model.DeliveryState, error) {
	if id == "incoming" {
		return "", fmt.Errorf("%w: not outgoing", chat.ErrInvalidInput)
	}
	state, ok := m.states[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	return state, nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthStaysUpWhileBusIsDown(t *testing.T) {
	srv := NewServer(0, &mockSource{connected: false}, mockPinger{}, "test")

	rec := get(t, srv.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !status.Healthy || !status.StoreOK || status.BusConnected {
		t.Errorf("Unexpected status %+v", status)
	}
	if status.Version != "test" {
		t.Errorf("Expected version test, got %q", status.Version)
	}
}

func TestHealthFailsWhenStoreIsDown(t *testing.T) {
	srv := NewServer(0, &mockSource{connected: true}, mockPinger{err: errors.New("closed")}, "test")
	if rec := get(t, srv.Handler(), "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestReadyFollowsBus(t *testing.T) {
	source := &mockSource{connected: false}
	srv := NewServer(0, source, mockPinger{}, "test")
	h := srv.Handler()

	if rec := get(t, h, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while disconnected, got %d", rec.Code)
	}
	source.connected = true
	if rec := get(t, h, "/ready"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 while connected, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	source := &mockSource{stats: chat.Stats{Sent: 3, Queued: 1, PolicyViolations: 2}, depth: 1}
	srv := NewServer(0, source, mockPinger{}, "test")

	rec := get(t, srv.Handler(), "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if body["sent"] != 3 || body["queued"] != 1 || body["policy_violations"] != 2 || body["outbox_depth"] != 1 {
		t.Errorf("Unexpected stats body %v", body)
	}

	source.depthErr = errors.New("locked")
	if rec := get(t, srv.Handler(), "/stats"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 on store error, got %d", rec.Code)
	}
}

func TestDeliveryState(t *testing.T) {
	source := &mockSource{states: map[string]model.DeliveryState{"m1": model.StateQueued}}
	h := NewServer(0, source, mockPinger{}, "test").Handler()

	rec := get(t, h, "/messages/m1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["state"] != string(model.StateQueued) {
		t.Errorf("Expected queued, got %q", body["state"])
	}

	if rec := get(t, h, "/messages/missing/state"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := get(t, h, "/messages/incoming/state"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewServer(0, &mockSource{}, mockPinger{}, "test").Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
