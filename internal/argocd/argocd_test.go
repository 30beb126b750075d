package argocd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTriggerPostsSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method %s", r.Method)
		}
		if r.URL.Path != "/api/v1/applications/app/sync" {
			t.Fatalf("path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Fatalf("authorization %q", auth)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", " token-1 ", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := c.Trigger(context.Background(), "app")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !strings.Contains(out, "app") {
		t.Fatalf("output %q", out)
	}
}

func TestTriggerUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "bad", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Trigger(context.Background(), "app")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTriggerUnknownApplication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "application not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", srv.Client())
	_, err := c.Trigger(context.Background(), "ghost")
	if !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

func TestRollbackUsesPreviousHistoryEntry(t *testing.T) {
	var rollbackID int64 = -1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/applications/app":
			fmt.Fprint(w, `{"status":{"history":[{"id":7,"revision":"aaa1111"},{"id":8,"revision":"bbb2222"},{"id":9,"revision":"ccc3333"}]}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/applications/app/rollback":
			var payload struct {
				ID int64 `json:"id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decode rollback payload: %v", err)
			}
			rollbackID = payload.ID
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", srv.Client())
	rb, err := NewRollback(c, "app")
	if err != nil {
		t.Fatalf("new rollback: %v", err)
	}
	out, err := rb.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rollbackID != 8 {
		t.Fatalf("rolled back to id %d, want 8", rollbackID)
	}
	if !strings.Contains(out, "bbb2222") {
		t.Fatalf("output %q", out)
	}
}

func TestNewClientLeavesSharedClientUntouched(t *testing.T) {
	shared := &http.Client{}
	c, err := NewClient("https://argocd.internal", "", shared)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if shared.Timeout != 0 {
		t.Fatalf("shared client timeout mutated to %s", shared.Timeout)
	}
	if c.client.Timeout != defaultTimeout {
		t.Fatalf("client timeout %s, want default", c.client.Timeout)
	}
}

func TestRollbackWithoutHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":{"history":[{"id":1,"revision":"aaa1111"}]}}`)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", srv.Client())
	rb, _ := NewRollback(c, "app")
	_, err := rb.Execute(context.Background())
	if !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}
