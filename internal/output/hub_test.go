package output

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial hub: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHub_PublishReachesClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn, closeConn := dialHub(t, hub)
	defer closeConn()

	sink := SinkFor("stream", hub)
	if err := sink.WriteCaption(context.Background(), "live words", 3*time.Second); err != nil {
		t.Fatalf("WriteCaption: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageCaption || msg.Output != "stream" || msg.Text != "live words" {
		t.Errorf("message = %+v", msg)
	}
	if msg.DisplaySeconds != 3 {
		t.Errorf("display seconds = %v, want 3", msg.DisplaySeconds)
	}
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn, closeConn := dialHub(t, hub)
	defer closeConn()

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client still registered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn, closeConn := dialHub(t, hub)
	defer closeConn()

	hub.Close()
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount after Close = %d", n)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded after hub closed")
	}
}
