package wsmux

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeHTTPSendsStatusEnvelopeOnConnect(t *testing.T) {
	mux := New(nil, func() StatusInfo {
		return StatusInfo{Connected: true, HasAPIKey: true, ToolCount: 3, DaemonVersion: "test"}
	}, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dial(t, server)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read status envelope: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "status" {
		t.Fatalf("expected status envelope, got %+v", env)
	}
	var toolCount int
	if err := json.Unmarshal(env.Metadata["toolCount"], &toolCount); err != nil || toolCount != 3 {
		t.Fatalf("expected toolCount=3, got %s (err=%v)", env.Metadata["toolCount"], err)
	}
}

func TestDispatchesInboundEnvelopeToHandler(t *testing.T) {
	received := make(chan Envelope, 1)
	mux := New(func(c *Client, env Envelope) {
		received <- env
	}, nil, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dial(t, server)
	in := Envelope{Type: "message", ConversationID: "c1", Content: "hello"}
	data, _ := json.Marshal(in)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-received:
		if env.Content != "hello" || env.ConversationID != "c1" {
			t.Fatalf("unexpected dispatched envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}
}

func TestPingIsAnsweredWithPongWithoutReachingHandler(t *testing.T) {
	handlerCalled := make(chan struct{}, 1)
	mux := New(func(c *Client, env Envelope) {
		handlerCalled <- struct{}{}
	}, nil, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dial(t, server)
	data, _ := json.Marshal(Envelope{Type: "ping"})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(reply, &env); err != nil || env.Type != "pong" {
		t.Fatalf("expected pong envelope, got %s (err=%v)", reply, err)
	}

	select {
	case <-handlerCalled:
		t.Fatal("ping should not reach the registered handler")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedEnvelopeReceivesInvalidMessageError(t *testing.T) {
	mux := New(nil, nil, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := dial(t, server)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(reply, &env); err != nil || env.Type != "error" {
		t.Fatalf("expected error envelope, got %s (err=%v)", reply, err)
	}
	var code string
	if err := json.Unmarshal(env.Metadata["code"], &code); err != nil || code != CodeInvalidMessage {
		t.Fatalf("expected code=%s, got %s", CodeInvalidMessage, env.Metadata["code"])
	}
}

func TestBroadcastReachesAllConnectedClients(t *testing.T) {
	mux := New(nil, nil, nil)
	server := httptest.NewServer(mux)
	defer server.Close()

	a := dial(t, server)
	b := dial(t, server)

	// Wait for both clients to be registered before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for mux.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mux.ClientCount() != 2 {
		t.Fatalf("expected 2 registered clients, got %d", mux.ClientCount())
	}

	mux.Broadcast(Envelope{Type: "notice", Content: "hi all"})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != "notice" {
			t.Fatalf("expected notice envelope, got %s (err=%v)", data, err)
		}
	}
}

func TestUnicastToUnknownClientReturnsFalse(t *testing.T) {
	mux := New(nil, nil, nil)
	if mux.Unicast("nonexistent", Envelope{Type: "notice"}) {
		t.Fatal("expected unicast to an unknown client id to fail")
	}
}
