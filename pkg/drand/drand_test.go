package drand

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestStubRoundsAdvanceAndReplay(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	first, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	second, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if second.Round != first.Round+1 {
		t.Fatalf("rounds = %d then %d", first.Round, second.Round)
	}
	if first.Randomness == second.Randomness {
		t.Fatal("randomness did not change across rounds")
	}

	replayed, err := s.Get(ctx, first.Round)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if replayed != first {
		t.Fatalf("replay = %+v, want %+v", replayed, first)
	}
	if len(first.Randomness) != 64 {
		t.Fatalf("randomness length = %d", len(first.Randomness))
	}
}

func TestHTTPClientFetchesLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/latest" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Round{Round: 777, Randomness: "abcd"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	round, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if round.Round != 777 || round.Randomness != "abcd" {
		t.Fatalf("round = %+v", round)
	}
}

func TestHTTPClientRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Round{Round: 9, Randomness: "ff"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	round, err := c.Get(context.Background(), 9)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if round.Round != 9 {
		t.Fatalf("round = %+v", round)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.Latest(context.Background()); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}
