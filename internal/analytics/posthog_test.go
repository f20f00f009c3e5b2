package analytics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/orderledger/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrackPurchase(t *testing.T) {
	var got captureEvent
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"status":1}`))
	}))
	defer server.Close()

	c := NewClient("phc_test", server.URL, "CAD", testLogger())
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	order := model.FallbackOrder("ord_9", time.Now())
	if !c.TrackPurchase(context.Background(), "user_1", order) {
		t.Fatal("expected capture to succeed")
	}

	if gotPath != "/capture/" {
		t.Errorf("path = %q, want /capture/", gotPath)
	}
	if got.Event != "purchase" {
		t.Errorf("event = %q, want purchase", got.Event)
	}
	if got.DistinctID != "user_1" {
		t.Errorf("distinct_id = %q, want user_1", got.DistinctID)
	}
	if got.Properties["transaction_id"] != "ord_9" {
		t.Errorf("transaction_id = %v", got.Properties["transaction_id"])
	}
	if got.Properties["value"] != 34.5 {
		t.Errorf("value = %v, want 34.5", got.Properties["value"])
	}
	if got.Properties["currency"] != "CAD" {
		t.Errorf("currency = %v, want CAD", got.Properties["currency"])
	}
	if items, ok := got.Properties["items"].([]any); !ok || len(items) != 1 {
		t.Errorf("items = %v, want one item", got.Properties["items"])
	}
	if got.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
}

func TestTrackPurchaseFailureIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient("phc_test", server.URL, "", testLogger())
	if c.TrackPurchase(context.Background(), "user_1", model.FallbackOrder("ord_1", time.Now())) {
		t.Error("expected capture to report failure")
	}
}

func TestTrackPurchaseNotConfigured(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewClient("", server.URL, "", testLogger())
	if c.TrackPurchase(context.Background(), "user_1", model.FallbackOrder("ord_1", time.Now())) {
		t.Error("expected unconfigured client to skip capture")
	}
	if called {
		t.Error("unconfigured client should not make requests")
	}
}

func TestDistinctID(t *testing.T) {
	if got := DistinctID("user_1", "a@example.com"); got != "user_1" {
		t.Errorf("DistinctID with user = %q, want user_1", got)
	}

	a := DistinctID("", "Alice@Example.com ")
	b := DistinctID("", "alice@example.com")
	if a != b {
		t.Errorf("guest ids differ by case: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "guest_") {
		t.Errorf("guest id = %q, want guest_ prefix", a)
	}
	if strings.Contains(a, "alice") {
		t.Errorf("guest id leaks email: %q", a)
	}

	if got := DistinctID("", ""); got != "anonymous" {
		t.Errorf("DistinctID empty = %q, want anonymous", got)
	}
}
