package bazario

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Emitter is the outbound wire surface the store and presence tracker use.
// SocketManager implements it; emitting against a disconnected manager is a
// logged no-op so a flaky connection never crashes message composition.
type Emitter interface {
	Emit(ctx context.Context, event string, data interface{}) error
}

// Unsubscribe removes a previously registered event handler. Safe to call
// more than once.
type Unsubscribe func()

// ============================================================================
// Event dispatcher
// ============================================================================

type eventDispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(json.RawMessage)

	onConnected    map[int]func()
	onDisconnected map[int]func(reason string)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers:       make(map[string]map[int]func(json.RawMessage)),
		onConnected:    make(map[int]func()),
		onDisconnected: make(map[int]func(reason string)),
	}
}

func (d *eventDispatcher) subscribe(event string, h func(json.RawMessage)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]func(json.RawMessage))
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

// dispatch invokes handlers synchronously. Handler order within one event is
// unspecified, but event order is strict: one envelope is fully handled
// before the read loop picks up the next, so the stream never reorders.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(d.handlers[env.Event]))
	for _, h := range d.handlers[env.Event] {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.Lock()
	hs := make([]func(), 0, len(d.onConnected))
	for _, h := range d.onConnected {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.Lock()
	hs := make([]func(string), 0, len(d.onDisconnected))
	for _, h := range d.onDisconnected {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		h(reason)
	}
}

// ============================================================================
// SocketManager
// ============================================================================

// SocketManager owns the single live bidirectional connection for the
// authenticated session. It is the only component allowed to hold the
// connection; everything else goes through its emit/subscribe surface.
//
// There is no automatic reconnect: a dropped connection stays down until the
// next natural trigger (foreground transition, re-registration) calls
// Connect again. Connect always tears down the previous connection first, so
// two live connections for the same logical session cannot coexist.
type SocketManager struct {
	client *Client
	log    *zap.SugaredLogger

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc
	sessionID        string
	userID           string

	dispatcher *eventDispatcher

	readyMu   sync.Mutex
	readyNext int
	ready     map[int]func(*SocketManager)
}

// NewSocketManager creates a disconnected manager. log may be nil, in which
// case the client's logger is used.
func NewSocketManager(client *Client, log *zap.SugaredLogger) *SocketManager {
	if log == nil {
		log = client.log
	}
	return &SocketManager{
		client:     client,
		log:        log,
		dispatcher: newEventDispatcher(),
		ready:      make(map[int]func(*SocketManager)),
	}
}

// Connected reports whether a live connection exists right now.
func (s *SocketManager) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect tears down any existing connection, dials a new one authenticated
// with token, and emits the join event for {sessionId, userId}. The websocket
// is the single transport mode; there is no protocol fallback.
func (s *SocketManager) Connect(ctx context.Context, token, sessionID, userID string) error {
	s.teardown("replaced by new connection")

	wsURL := s.client.SocketURL() + "/socket?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.intentionalClose = false
	s.cancelFn = cancel
	s.sessionID = sessionID
	s.userID = userID
	s.mu.Unlock()

	if err := s.Join(ctx); err != nil {
		s.log.Warnw("join emit failed", "error", err)
	}

	s.dispatcher.emitConnected()
	s.flushReady()

	go s.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and nulls it. Idempotent.
func (s *SocketManager) Disconnect() error {
	s.teardown("client disconnect")
	s.dispatcher.emitDisconnected("client disconnect")
	return nil
}

func (s *SocketManager) teardown(reason string) {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelFn
	s.intentionalClose = true
	s.conn = nil
	s.connected = false
	s.cancelFn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// OnReady invokes callback with this manager once a connection is live: now
// if already connected, otherwise on the next successful Connect. Each call
// registers independently and returns its own cancel handle.
func (s *SocketManager) OnReady(callback func(*SocketManager)) Unsubscribe {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()

	if connected {
		callback(s)
		return func() {}
	}

	s.readyMu.Lock()
	s.readyNext++
	id := s.readyNext
	s.ready[id] = callback
	s.readyMu.Unlock()

	return func() {
		s.readyMu.Lock()
		delete(s.ready, id)
		s.readyMu.Unlock()
	}
}

func (s *SocketManager) flushReady() {
	s.readyMu.Lock()
	pending := make([]func(*SocketManager), 0, len(s.ready))
	for _, cb := range s.ready {
		pending = append(pending, cb)
	}
	s.ready = make(map[int]func(*SocketManager))
	s.readyMu.Unlock()

	for _, cb := range pending {
		cb(s)
	}
}

func (s *SocketManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose || s.conn != conn
			if s.conn == conn {
				s.conn = nil
				s.connected = false
			}
			s.mu.Unlock()

			if intentional {
				return
			}
			s.log.Warnw("socket read failed", "error", err)
			s.dispatcher.emitDisconnected(err.Error())
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		s.dispatcher.dispatch(env)
	}
}

// ============================================================================
// Outbound surface
// ============================================================================

// Emit sends an event envelope. A nil/disconnected connection is a logged
// no-op, never an error: a flaky socket must not break composition.
func (s *SocketManager) Emit(ctx context.Context, event string, data interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.log.Debugw("emit skipped, socket not connected", "event", event)
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

// Join re-emits the join event for the current session. Used on connect and
// again on foreground transitions to refresh room membership.
func (s *SocketManager) Join(ctx context.Context) error {
	s.mu.Lock()
	payload := JoinPayload{SessionID: s.sessionID, UserID: s.userID}
	s.mu.Unlock()
	return s.Emit(ctx, EventJoin, payload)
}

// SendMessage emits a send_message frame for an optimistic store entry.
func (s *SocketManager) SendMessage(ctx context.Context, p SendMessagePayload) error {
	return s.Emit(ctx, EventSendMessage, p)
}

// Typing signals the counterparty that the local user started typing.
func (s *SocketManager) Typing(ctx context.Context, to string) error {
	return s.Emit(ctx, EventTyping, TypingPayload{To: to})
}

// StopTyping clears the typing signal.
func (s *SocketManager) StopTyping(ctx context.Context, to string) error {
	return s.Emit(ctx, EventStopTyping, TypingPayload{To: to})
}

// AckRead emits the live read receipt for every message from senderID to
// receiverID. Durability is the REST path, this is the immediate one.
func (s *SocketManager) AckRead(ctx context.Context, senderID, receiverID string) error {
	return s.Emit(ctx, EventAckRead, AckReadPayload{SenderID: senderID, ReceiverID: receiverID})
}

// AckDelivered confirms receipt of a single message.
func (s *SocketManager) AckDelivered(ctx context.Context, messageID string) error {
	return s.Emit(ctx, EventAckDelivered, DeliveredPayload{MessageID: messageID})
}

// ============================================================================
// Inbound surface
// ============================================================================

// On registers a generic handler for a raw event and returns its unsubscribe
// handle. Prefer the typed On* helpers.
func (s *SocketManager) On(event string, h func(json.RawMessage)) Unsubscribe {
	return s.dispatcher.subscribe(event, h)
}

func subscribeTyped[T any](s *SocketManager, event string, h func(T)) Unsubscribe {
	return s.dispatcher.subscribe(event, func(data json.RawMessage) {
		var p T
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Debugw("dropping malformed event payload", "event", event, "error", err)
			return
		}
		h(p)
	})
}

func (s *SocketManager) OnReceiveMessage(h func(Message)) Unsubscribe {
	return subscribeTyped(s, EventReceiveMessage, h)
}

func (s *SocketManager) OnMessageSent(h func(ServerAckPayload)) Unsubscribe {
	return subscribeTyped(s, EventMessageSent, h)
}

func (s *SocketManager) OnMessageDelivered(h func(DeliveredPayload)) Unsubscribe {
	return subscribeTyped(s, EventMessageDelivered, h)
}

func (s *SocketManager) OnMessagesRead(h func(ReadPayload)) Unsubscribe {
	return subscribeTyped(s, EventMessagesRead, h)
}

func (s *SocketManager) OnTyping(h func(TypingPayload)) Unsubscribe {
	return subscribeTyped(s, EventTyping, h)
}

func (s *SocketManager) OnStopTyping(h func(TypingPayload)) Unsubscribe {
	return subscribeTyped(s, EventStopTyping, h)
}

func (s *SocketManager) OnUserOnline(h func(PresencePayload)) Unsubscribe {
	return subscribeTyped(s, EventUserOnline, h)
}

func (s *SocketManager) OnUserOffline(h func(PresencePayload)) Unsubscribe {
	return subscribeTyped(s, EventUserOffline, h)
}

// OnConnected registers a handler for the connected meta-event.
func (s *SocketManager) OnConnected(h func()) Unsubscribe {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.onConnected[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.onConnected, id)
	}
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *SocketManager) OnDisconnected(h func(reason string)) Unsubscribe {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.onDisconnected[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.onDisconnected, id)
	}
}
