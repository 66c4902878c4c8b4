package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAccount_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/accounts/acc-1" {
			t.Fatalf("path = %s, want /api/accounts/acc-1", r.URL.Path)
		}

		rec := AccountRecord{
			ID:   "acc-1",
			Role: "customer",
			Name: "Maria Santos",
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rec, err := client.Account(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if rec.ID != "acc-1" || rec.Name != "Maria Santos" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAccount_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Account(ctx, "missing")
	if !errors.Is(err, ErrAccountUnknown) {
		t.Fatalf("expected ErrAccountUnknown, got %v", err)
	}
}

func TestChanges_PassesSinceAndDecodes(t *testing.T) {
	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/changes" {
			t.Fatalf("path = %s, want /api/accounts/changes", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != since.Format(time.RFC3339) {
			t.Fatalf("since = %q, want %q", got, since.Format(time.RFC3339))
		}

		recs := []AccountRecord{
			{ID: "acc-1", Role: "cashier", Name: "Jun"},
			{ID: "acc-2", Role: "customer", Name: "Ana"},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(recs); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	recs, err := client.Changes(ctx, since)
	if err != nil {
		t.Fatalf("Changes error: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "acc-1" || recs[1].Role != "customer" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestChanges_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	recs, err := client.Changes(ctx, time.Now())
	if err != nil {
		t.Fatalf("Changes error: %v", err)
	}
	if recs != nil {
		t.Fatalf("expected no records, got %+v", recs)
	}
}
