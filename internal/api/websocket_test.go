package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/packflow/internal/auth"
	"github.com/nerrad567/packflow/internal/automation"
)

func TestWebSocket_RejectsMissingTicket(t *testing.T) {
	f := testServer(t)

	for _, target := range []string{"/api/v1/ws", "/api/v1/ws?ticket=bogus"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want %d", target, w.Code, http.StatusUnauthorized)
		}
	}
}

// TestWebSocket_ExecutionUpdates follows a sync execution over a real
// connection: ticket, subscribe, emit, then status events.
func TestWebSocket_ExecutionUpdates(t *testing.T) {
	f := testServer(t)
	f.seedCanvasPack(t, "canvas.requested", automation.ModeSync)

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ticket := f.srv.tickets.issue(auth.Scope{UserID: "user-1", Role: auth.RoleUser})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	sub := WSMessage{ID: "sub-1", Type: WSTypeSubscribe, Payload: map[string]any{
		"channels": []string{automation.ChannelExecutionUpdated},
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	readUntil(t, conn, func(m WSMessage) bool { return m.Type == WSTypeResponse && m.ID == "sub-1" })

	f.rpc(t, token(t, founder), map[string]any{"action": "emit_event", "event_name": "canvas.requested"})

	seen := map[string]bool{}
	readUntil(t, conn, func(m WSMessage) bool {
		if m.Type != WSTypeEvent || m.EventType != automation.ChannelExecutionUpdated {
			return false
		}
		payload, _ := m.Payload.(map[string]any)
		status, _ := payload["status"].(string)
		seen[status] = true
		return status == string(automation.StatusCompleted)
	})
	if !seen[string(automation.StatusRunning)] {
		t.Errorf("statuses seen = %v, want running before completed", seen)
	}
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(WSMessage) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("SetReadDeadline: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for message: %v", err)
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if match(msg) {
			return
		}
	}
}
