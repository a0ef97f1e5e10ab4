package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/agromarket/internal/model"
)

func TestSend_OK(t *testing.T) {
	got := make(chan Payload, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notifications" {
			t.Errorf("path = %s, want /api/notifications", r.URL.Path)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- p
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewWebhookClient(ts.URL + "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Send(ctx, model.Notification{
		ID:        7,
		UserID:    3,
		Kind:      "suspicious_orders",
		Title:     "Suspicious orders detected",
		OrderIDs:  []int64{10, 11},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	p := <-got
	if p.ID != 7 || p.UserID != 3 || len(p.OrderIDs) != 2 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("created_at = %s", p.CreatedAt)
	}
}

func TestSend_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewWebhookClient(ts.URL)

	err := client.Send(context.Background(), model.Notification{UserID: 1})
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if throttled.RetryAfter != 5*time.Second {
		t.Fatalf("retryAfter = %v, want 5s", throttled.RetryAfter)
	}
}

func TestSend_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewWebhookClient(ts.URL)

	if err := client.Send(context.Background(), model.Notification{UserID: 1}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestSend_NotConfigured(t *testing.T) {
	var client *WebhookClient
	if err := client.Send(context.Background(), model.Notification{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
