package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/journey-engine/internal/model"
)

func testEvent() model.StageChanged {
	j := model.JourneyRetention
	return model.StageChanged{
		ID:            "ev-1",
		CustomerID:    "cust-1",
		OperatorID:    "op-1",
		OldStage:      0,
		NewStage:      1,
		JourneySwitch: true,
		Journey:       &j,
		Trigger:       model.EventDeposit,
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublish_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != stageChangedPath {
			t.Fatalf("path = %s, want %s", r.URL.Path, stageChangedPath)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "ev-1" {
			t.Fatalf("Idempotency-Key = %q, want ev-1", got)
		}

		var ev model.StageChanged
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.CustomerID != "cust-1" || !ev.JourneySwitch || ev.NewStage != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

func TestPublish_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL)

	err := client.Publish(context.Background(), testEvent())

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter() != 3*time.Second {
		t.Fatalf("retryAfter = %v, want 3s", rl.RetryAfter())
	}
}

func TestPublish_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL)

	if err := client.Publish(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error for 500 status")
	}
}

func TestPublish_NotConfigured(t *testing.T) {
	var client *HTTPClient
	if err := client.Publish(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error for nil client")
	}

	if err := NewHTTPClient("").Publish(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestNewHTTPClient_AddsScheme(t *testing.T) {
	c := NewHTTPClient("messaging:8080/")
	if c.baseURL != "http://messaging:8080" {
		t.Fatalf("baseURL = %q, want http://messaging:8080", c.baseURL)
	}
}
