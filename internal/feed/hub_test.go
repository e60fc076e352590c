package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betpool/fund-engine/internal/model"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_PublishReachesClient(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv)
	waitFor(t, "client registration", func() bool { return h.clientCount() == 1 })

	h.Publish(&model.Interaction{Type: model.InteractionWager, UserName: "alice", Public: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var in model.Interaction
	if err := json.Unmarshal(msg, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Type != model.InteractionWager || in.UserName != "alice" {
		t.Errorf("received %+v", in)
	}
}

func TestHub_SkipsPrivateInteractions(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv)
	waitFor(t, "client registration", func() bool { return h.clientCount() == 1 })

	h.Publish(&model.Interaction{Type: model.InteractionWithdrawal, UserName: "alice"})
	h.Publish(&model.Interaction{Type: model.InteractionWager, UserName: "bob", Public: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var in model.Interaction
	if err := json.Unmarshal(msg, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.UserName != "bob" {
		t.Errorf("first broadcast message was %+v, want the public one", in)
	}
}

func TestHub_RemovesDisconnectedClients(t *testing.T) {
	h, srv := newHubServer(t)
	conn := dial(t, srv)
	waitFor(t, "client registration", func() bool { return h.clientCount() == 1 })

	conn.Close()
	// Keep broadcasting so a write failure surfaces even if the read
	// pump has not noticed the close yet.
	waitFor(t, "client removal", func() bool {
		h.Publish(&model.Interaction{Type: model.InteractionWager, Public: true})
		return h.clientCount() == 0
	})
}
