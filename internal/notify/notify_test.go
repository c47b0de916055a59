package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifierPosts(t *testing.T) {
	var got Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewWebhook(ts.URL, 2*time.Second)
	err := n.Notify(context.Background(), Event{
		Type:    EventLaunchCompleted,
		TokenID: "tok-1",
		OwnerID: "owner-1",
		Message: "token launched",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if got.Type != EventLaunchCompleted || got.TokenID != "tok-1" || got.Message != "token launched" {
		t.Errorf("delivered event = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp was not stamped")
	}
}

func TestWebhookNotifierReportsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	n := NewWebhook(ts.URL, 2*time.Second)
	if err := n.Notify(context.Background(), Event{Type: EventRefundFailed, Message: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestNewFallsBackToLog(t *testing.T) {
	if _, ok := New("", 0).(LogNotifier); !ok {
		t.Fatal("empty URL should produce the log notifier")
	}
	if _, ok := New("http://example.invalid/hook", 0).(*WebhookNotifier); !ok {
		t.Fatal("URL should produce the webhook notifier")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Type: EventTradingPaused, Message: "paused"}); err != nil {
		t.Fatalf("LogNotifier.Notify: %v", err)
	}
}
