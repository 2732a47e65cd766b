package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetScore_ParsesPost(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/by_id/t3_abc123.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token1" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{"data":{"children":[{"data":{"id":"abc123","score":420,"created_utc":1767225600}}]}}`))
	})

	c := NewClient(srv.URL, "token1", "market-engine/1.0")
	post, err := c.GetScore(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if post.ID != "abc123" {
		t.Errorf("id = %q", post.ID)
	}
	if !post.Score.Equal(decimal.NewFromInt(420)) {
		t.Errorf("score = %s", post.Score)
	}
	if post.CreatedAt.IsZero() {
		t.Errorf("created_at not parsed")
	}
}

func TestGetScore_NotFound(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := NewClient(srv.URL, "token1", "market-engine/1.0")
	_, err := c.GetScore(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetScore_ServerErrorIsUnavailable(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := NewClient(srv.URL, "token1", "market-engine/1.0")
	_, err := c.GetScore(context.Background(), "abc123")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestGetScores_PagesByBatchSize(t *testing.T) {
	var requests []string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("id")
		requests = append(requests, ids)
		w.Write([]byte(`{"data":{"children":[{"data":{"id":"x","score":1}}]}}`))
	})

	c := NewClient(srv.URL, "token1", "market-engine/1.0")

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = "post" + string(rune('a'+i%26))
	}
	posts, err := c.GetScores(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("expected 2 paged requests for 150 ids, got %d", len(requests))
	}
	if got := len(strings.Split(requests[0], ",")); got != MaxBatchSize {
		t.Errorf("first page carried %d ids, want %d", got, MaxBatchSize)
	}
	if got := len(strings.Split(requests[1], ",")); got != 50 {
		t.Errorf("second page carried %d ids, want 50", got)
	}
	if len(posts) != 2 {
		t.Errorf("expected one post per page, got %d", len(posts))
	}
}

func TestGetScores_PrefixesFullnames(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("id")
		if ids != "t3_abc,t3_def" {
			t.Errorf("unexpected ids %q", ids)
		}
		w.Write([]byte(`{"data":{"children":[]}}`))
	})

	c := NewClient(srv.URL, "token1", "market-engine/1.0")
	if _, err := c.GetScores(context.Background(), []string{"abc", "t3_def"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
