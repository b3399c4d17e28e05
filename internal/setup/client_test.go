package setup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api/", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type=%q, want application/json", ct)
		}
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req != (CreateRequest{Title: "standup", Host: "alice", Password: "pw"}) {
			t.Errorf("req=%+v", req)
		}
		_, _ = w.Write([]byte(`{"data":{"title":"standup","socket":"wss://relay.example/ws/abc"}}`))
	})
	c := newTestClient(t, mux)

	got, err := c.CreateSession(context.Background(), CreateRequest{Title: "standup", Host: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Title != "standup" || got.Socket != "wss://relay.example/ws/abc" {
		t.Fatalf("session=%+v", got)
	}
}

func TestConnectSession_EscapesSocket(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("decode: %v", err)
		}
		if creds != (Credentials{Host: "alice", Password: "pw"}) {
			t.Errorf("creds=%+v", creds)
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))

	got, err := c.ConnectSession(context.Background(), "room/1", Credentials{Host: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got != (Session{}) {
		t.Fatalf("session=%+v, want empty", got)
	}
	if gotPath != "/api/connect/room%2F1" {
		t.Fatalf("path=%q, want /api/connect/room%%2F1", gotPath)
	}
}

func TestVerifySocket(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/connect" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("url") != "room 1" {
			http.Error(w, "unknown conference", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.VerifySocket(context.Background(), "room 1"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	err := c.VerifySocket(context.Background(), "bad")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err=%v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", httpErr.Status, http.StatusNotFound)
	}
	if httpErr.Body != "unknown conference" {
		t.Fatalf("body=%q", httpErr.Body)
	}
}

func TestPostSession_Non2xx(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ConnectSession(context.Background(), "room", Credentials{Host: "alice", Password: "wrong"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err=%v, want 401 HTTPError", err)
	}
}

func TestPostSession_BadJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{`))
	}))

	_, err := c.CreateSession(context.Background(), CreateRequest{})
	if err == nil {
		t.Fatalf("expected decode error")
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Fatalf("decode failure must not be an HTTPError: %v", err)
	}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "http://", "::"} {
		if _, err := New(raw, nil); err == nil {
			t.Fatalf("New(%q) succeeded, want error", raw)
		}
	}
}
