package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func ctxBG() context.Context {
	return context.Background()
}

func TestCreatePageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Fatalf("unexpected auth header: %s", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "page-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	page, err := c.CreatePage(ctxBG(), CreatePageRequest{
		DatabaseID: "db-1",
		Properties: map[string]interface{}{"Subject": "hi"},
	})
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if page.ID != "page-1" {
		t.Errorf("ID = %q", page.ID)
	}
}

func TestCreatePageAuthErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-token")
	_, err := c.CreatePage(ctxBG(), CreatePageRequest{DatabaseID: "db-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call (no retry), got %d", calls)
	}
}

func TestQueryByRichTextEquals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/query") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(QueryDatabaseResult{Results: []Page{{ID: "page-2"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	pages, err := c.QueryByRichTextEquals(ctxBG(), "db-1", "Message ID", "<abc@example.com>")
	if err != nil {
		t.Fatalf("QueryByRichTextEquals: %v", err)
	}
	if len(pages) != 1 || pages[0].ID != "page-2" {
		t.Errorf("unexpected pages: %+v", pages)
	}
}

func TestRetriesOn429ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "page-3"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	page, err := c.CreatePage(ctxBG(), CreatePageRequest{DatabaseID: "db-1"})
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if page.ID != "page-3" {
		t.Errorf("ID = %q", page.ID)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}
