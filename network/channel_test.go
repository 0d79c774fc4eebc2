package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWebSocketChannelRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(payload)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MESSAGE_UPDATE"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := WebSocketDialer{Logger: zaptest.NewLogger(t).Sugar()}.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(ctx, []byte(`{"action":"subscribe"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := <-received; got != `{"action":"subscribe"}` {
		t.Fatalf("server got %q", got)
	}

	payload, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if kind, _ := DecodeInbound(payload); kind != PushMessageUpdate {
		t.Fatalf("expected message update, got %s", payload)
	}

	if _, err := ch.Receive(ctx); err == nil {
		t.Fatalf("expected an error after the server closed")
	}
	if err := ch.Send(ctx, []byte(`{}`)); err == nil {
		t.Fatalf("send on a closed channel must fail")
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := (WebSocketDialer{}).Dial(ctx, "ws://127.0.0.1:1/ws"); err == nil {
		t.Fatalf("expected dial failure")
	}
}
