package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type homeserver struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
	auth   []string
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths = append(h.paths, r.URL.Path)
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/send/m.room.message/"):
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		h.bodies = append(h.bodies, body)
		_, _ = w.Write([]byte(`{"event_id":"$evt1"}`))
	case r.Method == http.MethodPost && (strings.HasSuffix(r.URL.Path, "/join") || strings.Contains(r.URL.Path, "/join/")):
		_, _ = w.Write([]byte(`{"room_id":"!audit:example.com"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unrecognized"}`))
	}
}

func TestSendNotice(t *testing.T) {
	hs := &homeserver{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	c, err := New(Config{Homeserver: srv.URL, UserID: "@aether:example.com", AccessToken: "syt_token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SendNotice(context.Background(), "!audit:example.com", "deployment running"); err != nil {
		t.Fatalf("SendNotice: %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.bodies) != 1 {
		t.Fatalf("expected 1 message, got %d (paths %v)", len(hs.bodies), hs.paths)
	}
	if hs.bodies[0]["msgtype"] != "m.notice" || hs.bodies[0]["body"] != "deployment running" {
		t.Errorf("body = %v", hs.bodies[0])
	}
	if hs.auth[0] != "Bearer syt_token" {
		t.Errorf("auth = %q", hs.auth[0])
	}
}

func TestJoinRoom(t *testing.T) {
	hs := &homeserver{}
	srv := httptest.NewServer(hs)
	defer srv.Close()

	c, err := New(Config{Homeserver: srv.URL, UserID: "@aether:example.com", AccessToken: "syt_token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.JoinRoom(context.Background(), "!audit:example.com"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.paths) != 1 || !strings.HasPrefix(hs.paths[0], "/_matrix/client/v3/rooms/") || !strings.HasSuffix(hs.paths[0], "/join") {
		t.Errorf("paths = %v", hs.paths)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Homeserver: "https://matrix.example.com"}); err == nil {
		t.Fatal("expected error without access token")
	}
}
