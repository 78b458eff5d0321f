package bazario

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsTestServer is a minimal in-process socket backend. Every upgraded
// connection is kept for pushing events from the test; inbound frames are
// decoded and forwarded on a channel.
type wsTestServer struct {
	srv     *httptest.Server
	inbound chan Envelope

	mu     sync.Mutex
	conns  []*websocket.Conn
	closed int
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{inbound: make(chan Envelope, 32)}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				ws.mu.Lock()
				ws.closed++
				ws.mu.Unlock()
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				ws.inbound <- env
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

// push sends an event to the client over the most recent connection.
func (ws *wsTestServer) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	ws.mu.Lock()
	if len(ws.conns) == 0 {
		ws.mu.Unlock()
		t.Fatal("no live connection to push on")
	}
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// waitInbound blocks for the next frame with the given event name.
func (ws *wsTestServer) waitInbound(t *testing.T, event string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ws.inbound:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

func (ws *wsTestServer) closedConns() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

func newTestSocket(t *testing.T, ws *wsTestServer) *SocketManager {
	t.Helper()
	client := NewClient("test-token", WithBaseURL(ws.srv.URL))
	sm := NewSocketManager(client, nil)
	t.Cleanup(func() { _ = sm.Disconnect() })
	return sm
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSocketConnectEmitsJoin(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !sm.Connected() {
		t.Fatal("manager should report connected")
	}

	env := ws.waitInbound(t, EventJoin)
	var p JoinPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if p.SessionID != "sess-1" || p.UserID != "vendor-1" {
		t.Errorf("join payload = %+v", p)
	}
}

func TestSocketDispatchesTypedEvents(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	var got atomic.Value
	sm.OnReceiveMessage(func(m Message) { got.Store(m) })

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ws.waitInbound(t, EventJoin)

	ws.push(t, EventReceiveMessage, Message{
		ID: "m1", SenderID: "buyer-1", ReceiverID: "vendor-1", Content: "hello",
	})

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil },
		"receive_message handler never fired")
	m := got.Load().(Message)
	if m.ID != "m1" || m.Content != "hello" {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestSocketReconnectReplacesConnection(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	var fires atomic.Int32
	sm.OnReceiveMessage(func(Message) { fires.Add(1) })

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	ws.waitInbound(t, EventJoin)

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	ws.waitInbound(t, EventJoin)

	// The first connection must be gone before events flow.
	waitFor(t, 2*time.Second, func() bool { return ws.closedConns() >= 1 },
		"first connection never closed after reconnect")

	ws.push(t, EventReceiveMessage, Message{ID: "m1", SenderID: "buyer-1"})
	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 1 },
		"receive_message handler never fired")
	// Give a straggler dispatch a chance to show up.
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("handler fired %d times across reconnect, want exactly 1", got)
	}
}

func TestSocketUnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	var kept, removed atomic.Int32
	sm.OnTyping(func(TypingPayload) { kept.Add(1) })
	unsub := sm.OnTyping(func(TypingPayload) { removed.Add(1) })
	unsub()

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ws.waitInbound(t, EventJoin)

	ws.push(t, EventTyping, TypingPayload{From: "buyer-1"})
	waitFor(t, 2*time.Second, func() bool { return kept.Load() == 1 },
		"typing handler never fired")
	if removed.Load() != 0 {
		t.Errorf("unsubscribed handler fired %d times", removed.Load())
	}
}

func TestSocketOnReady(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	var fired, cancelled atomic.Int32
	sm.OnReady(func(*SocketManager) { fired.Add(1) })
	cancel := sm.OnReady(func(*SocketManager) { cancelled.Add(1) })
	cancel()

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if fired.Load() != 1 {
		t.Errorf("queued ready callback fired %d times, want 1", fired.Load())
	}
	if cancelled.Load() != 0 {
		t.Errorf("cancelled ready callback fired %d times, want 0", cancelled.Load())
	}

	// Once connected, new callbacks run immediately.
	var immediate atomic.Int32
	sm.OnReady(func(*SocketManager) { immediate.Add(1) })
	if immediate.Load() != 1 {
		t.Errorf("ready callback while connected fired %d times, want 1", immediate.Load())
	}
}

func TestSocketEmitWhileDisconnected(t *testing.T) {
	client := NewClient("test-token")
	sm := NewSocketManager(client, nil)

	// Sends on a closed channel are swallowed, not surfaced.
	if err := sm.Typing(context.Background(), "buyer-1"); err != nil {
		t.Fatalf("Typing while disconnected: %v", err)
	}
	if err := sm.SendMessage(context.Background(), SendMessagePayload{ReceiverID: "buyer-1"}); err != nil {
		t.Fatalf("SendMessage while disconnected: %v", err)
	}
}

func TestSocketDisconnectIdempotent(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	var disconnects atomic.Int32
	sm.OnDisconnected(func(string) { disconnects.Add(1) })

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sm.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if sm.Connected() {
		t.Fatal("manager should report disconnected")
	}
	if err := sm.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestSocketConnectedStoreRoundTrip(t *testing.T) {
	ws := newWSTestServer(t)
	sm := newTestSocket(t, ws)

	client := sm.client
	cs := NewChatStore(client, sm, "vendor-1", nil)
	detach := cs.Attach(sm)
	defer detach()

	if err := sm.Connect(context.Background(), "test-token", "sess-1", "vendor-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ws.waitInbound(t, EventJoin)

	msg, err := cs.SendText(context.Background(), "buyer-1", "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	env := ws.waitInbound(t, EventSendMessage)
	var sent SendMessagePayload
	if err := json.Unmarshal(env.Data, &sent); err != nil {
		t.Fatalf("decode send_message: %v", err)
	}
	if sent.TempID != msg.TempID || sent.Content != "hi" {
		t.Errorf("unexpected frame: %+v", sent)
	}

	ws.push(t, EventMessageSent, ServerAckPayload{
		TempID: msg.TempID, ID: "m1", CreatedAt: "2024-01-01T00:00:00Z",
	})
	waitFor(t, 2*time.Second, func() bool {
		m, ok := cs.Get("m1")
		return ok && m.Delivered
	}, "server ack never reconciled")

	if cs.Len() != 1 {
		t.Errorf("Len = %d, want 1", cs.Len())
	}

	// An inbound counterparty message is confirmed with ack_delivered.
	ws.push(t, EventReceiveMessage, Message{
		ID: "m2", SenderID: "buyer-1", ReceiverID: "vendor-1", Content: "pong",
	})
	env = ws.waitInbound(t, EventAckDelivered)
	var ack DeliveredPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack_delivered: %v", err)
	}
	if ack.MessageID != "m2" {
		t.Errorf("ack_delivered for %q, want m2", ack.MessageID)
	}
}
