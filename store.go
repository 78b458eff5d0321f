package bazario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// seenCacheSize bounds the recently-seen message id cache. A bounded LRU
// replaces unbounded growth while still absorbing duplicate deliveries of
// messages that already left the store (e.g. after a conversation reload).
const seenCacheSize = 1024

// ============================================================================
// ChatStore
// ============================================================================

// ChatStore owns the in-memory, time-ordered view of one conversation. It is
// rebuilt fully by LoadInitial when a conversation opens and incrementally
// merged as socket events arrive.
//
// Invariant: after every mutation, no two entries share the same
// (id ?? tempId) key. Store order is insertion order, never a re-sort by
// timestamp; the one exception is LoadInitial, which adopts whatever order
// the fetch returned.
type ChatStore struct {
	client  *Client
	emitter Emitter
	selfID  string
	log     *zap.SugaredLogger

	mu       sync.Mutex
	messages []Message
	index    map[string]int
	seen     *lru.Cache[string, struct{}]
}

// NewChatStore creates an empty store for conversations of the local user
// selfID. log may be nil, in which case the client's logger is used.
func NewChatStore(client *Client, emitter Emitter, selfID string, log *zap.SugaredLogger) *ChatStore {
	if log == nil {
		log = client.log
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &ChatStore{
		client:  client,
		emitter: emitter,
		selfID:  selfID,
		log:     log,
		index:   make(map[string]int),
		seen:    seen,
	}
}

// Messages returns a snapshot of the conversation in store order.
func (cs *ChatStore) Messages() []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// Len returns the number of entries in the store.
func (cs *ChatStore) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.messages)
}

// Get returns the entry whose id or tempId matches key.
func (cs *ChatStore) Get(key string) (Message, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if pos, ok := cs.index[key]; ok {
		return cs.messages[pos], true
	}
	return Message{}, false
}

// ============================================================================
// Load & reload
// ============================================================================

// LoadInitial replaces the store contents with a deduplicated copy of a
// fetched message list. Duplicates are grouped by (id ?? tempId); the last
// occurrence wins, at the position of the first occurrence.
func (cs *ChatStore) LoadInitial(fetched []Message) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.messages = cs.messages[:0]
	cs.index = make(map[string]int)
	for _, m := range fetched {
		cs.upsertLocked(m)
	}
}

// Reload fetches the conversation with otherUserID and rebuilds the store
// from it.
func (cs *ChatStore) Reload(ctx context.Context, otherUserID string) error {
	fetched, err := cs.client.FetchMessages(ctx, otherUserID)
	if err != nil {
		return fmt.Errorf("fetch conversation: %w", err)
	}
	cs.LoadInitial(fetched)
	return nil
}

// ============================================================================
// Optimistic sends
// ============================================================================

// SendText inserts a provisional text message and emits send_message. The
// returned entry is in PENDING state until the server ack arrives.
func (cs *ChatStore) SendText(ctx context.Context, receiverID, content string) (Message, error) {
	msg := Message{
		TempID:     newTempID(),
		SenderID:   cs.selfID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return cs.sendProvisional(ctx, msg)
}

// SendMedia inserts a provisional media message referencing an already
// uploaded attachment URL and emits send_message.
func (cs *ChatStore) SendMedia(ctx context.Context, receiverID, uploadedURL string, kind MediaKind, fileName string) (Message, error) {
	msg := Message{
		TempID:     newTempID(),
		SenderID:   cs.selfID,
		ReceiverID: receiverID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	switch kind {
	case MediaImage:
		msg.ImageURL = uploadedURL
	case MediaFile:
		msg.FileURL = uploadedURL
		msg.FileName = fileName
	default:
		return Message{}, fmt.Errorf("unknown media kind %q", kind)
	}
	return cs.sendProvisional(ctx, msg)
}

func (cs *ChatStore) sendProvisional(ctx context.Context, msg Message) (Message, error) {
	cs.mu.Lock()
	if _, exists := cs.index[msg.TempID]; exists {
		// Double-submit guard: an entry with this tempId is already queued.
		existing := cs.messages[cs.index[msg.TempID]]
		cs.mu.Unlock()
		return existing, nil
	}
	cs.appendLocked(msg)
	cs.mu.Unlock()

	err := cs.emitter.Emit(ctx, EventSendMessage, SendMessagePayload{
		ReceiverID: msg.ReceiverID,
		TempID:     msg.TempID,
		Content:    msg.Content,
		ImageURL:   msg.ImageURL,
		FileURL:    msg.FileURL,
		FileName:   msg.FileName,
	})
	if err != nil {
		// The optimistic entry stays visible in PENDING state; nothing
		// re-emits it, the user decides whether to resend.
		cs.log.Warnw("send_message emit failed", "tempId", msg.TempID, "error", err)
	}
	return msg, nil
}

// newTempID returns a client-issued id, time-prefixed so concurrent sends
// remain distinguishable in logs.
func newTempID() string {
	return fmt.Sprintf("tmp-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================================
// Reconciliation
// ============================================================================

// ApplyServerAck merges a message_sent confirmation into the provisional
// entry with the matching tempId: the server id and timestamp are adopted
// and the entry becomes DELIVERED. An ack for an unknown tempId is a benign
// no-op (the store may have been rebuilt since the send).
func (cs *ChatStore) ApplyServerAck(p ServerAckPayload) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pos, ok := cs.index[p.TempID]
	if !ok {
		cs.log.Debugw("server ack for unknown tempId dropped", "tempId", p.TempID)
		return
	}
	m := &cs.messages[pos]
	echoed := false
	if m.ID == "" && p.ID != "" {
		// The echo may have arrived through receive_message carrying the
		// server id but no tempId; adopting the id would then leave two
		// entries sharing it.
		if echoPos, ok := cs.index[p.ID]; ok && echoPos != pos {
			echoed = true
		}
		m.ID = p.ID
		cs.index[p.ID] = pos
		cs.seen.Add(p.ID, struct{}{})
	}
	if p.CreatedAt != "" {
		m.CreatedAt = p.CreatedAt
	}
	m.Delivered = true
	if echoed {
		cs.dedupeLocked()
	}
}

// ApplyReceive merges an inbound receive_message. A matching tempId means
// this is the echo of an own optimistic send arriving through the generic
// channel; a matching id means a duplicate delivery. Anything genuinely new
// is appended in arrival order.
func (cs *ChatStore) ApplyReceive(msg Message) {
	if msg.Key() == "" {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, inStore := cs.lookupLocked(msg); !inStore {
		if _, seen := cs.seen.Get(msg.Key()); seen {
			// Already processed in a previous conversation view.
			return
		}
	}
	cs.upsertLocked(msg)
	cs.dedupeLocked()
}

// ApplyDeliveredAck flips the delivered flag on the entry matching id (server
// id or tempId). Never downgrades READ.
func (cs *ChatStore) ApplyDeliveredAck(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if pos, ok := cs.index[id]; ok {
		cs.messages[pos].Delivered = true
	}
}

// ApplyReadAck flips read (and therefore delivered) on every entry matching
// one of ids, by server id or tempId.
func (cs *ChatStore) ApplyReadAck(ids []string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, id := range ids {
		if pos, ok := cs.index[id]; ok {
			cs.messages[pos].Read = true
			cs.messages[pos].Delivered = true
		}
	}
}

// ApplyReadFrom marks every own message addressed to readerID as read. This
// is the sender-scoped form of messages_read, matching the REST read
// persistence semantics.
func (cs *ChatStore) ApplyReadFrom(readerID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range cs.messages {
		m := &cs.messages[i]
		if m.SenderID == cs.selfID && m.ReceiverID == readerID {
			m.Read = true
			m.Delivered = true
		}
	}
}

// ============================================================================
// Read receipts
// ============================================================================

// MarkVisibleAsRead reports which messages are currently on screen. For every
// visible message authored by counterpartyID and not yet read, it emits the
// live ack_read receipt and persists the read state via REST. Local flags
// flip only after the persistence call succeeds, so the UI never shows
// "read" the backend has not recorded.
func (cs *ChatStore) MarkVisibleAsRead(ctx context.Context, visibleIDs []string, counterpartyID string) error {
	visible := make(map[string]struct{}, len(visibleIDs))
	for _, id := range visibleIDs {
		visible[id] = struct{}{}
	}

	cs.mu.Lock()
	var keys []string
	for _, m := range cs.messages {
		if m.Read || m.SenderID != counterpartyID {
			continue
		}
		if _, ok := visible[m.Key()]; ok {
			keys = append(keys, m.Key())
		}
	}
	cs.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	// Live path first for immediate cross-client UI update.
	if err := cs.emitter.Emit(ctx, EventAckRead, AckReadPayload{
		SenderID:   counterpartyID,
		ReceiverID: cs.selfID,
	}); err != nil {
		cs.log.Warnw("ack_read emit failed", "counterparty", counterpartyID, "error", err)
	}

	// Durability path; read state must survive a reload.
	if err := cs.client.MarkMessagesRead(ctx, counterpartyID); err != nil {
		return fmt.Errorf("persist read receipts: %w", err)
	}

	// The store may have been mutated while the call was in flight;
	// re-resolve each key before flipping.
	cs.mu.Lock()
	for _, key := range keys {
		if pos, ok := cs.index[key]; ok {
			cs.messages[pos].Read = true
			cs.messages[pos].Delivered = true
		}
	}
	cs.mu.Unlock()
	return nil
}

// ============================================================================
// Socket wiring
// ============================================================================

// Attach subscribes the store to the manager's message events and returns a
// single teardown handle. Inbound counterparty messages are additionally
// confirmed with ack_delivered.
func (cs *ChatStore) Attach(sm *SocketManager) Unsubscribe {
	subs := []Unsubscribe{
		sm.OnReceiveMessage(func(m Message) {
			cs.ApplyReceive(m)
			if m.SenderID != cs.selfID && m.ID != "" {
				if err := sm.AckDelivered(context.Background(), m.ID); err != nil {
					cs.log.Debugw("ack_delivered emit failed", "id", m.ID, "error", err)
				}
			}
		}),
		sm.OnMessageSent(cs.ApplyServerAck),
		sm.OnMessageDelivered(func(p DeliveredPayload) {
			cs.ApplyDeliveredAck(p.MessageID)
		}),
		sm.OnMessagesRead(func(p ReadPayload) {
			if len(p.MessageIDs) > 0 {
				cs.ApplyReadAck(p.MessageIDs)
			} else if p.ReaderID != "" {
				cs.ApplyReadFrom(p.ReaderID)
			}
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}

// ============================================================================
// Internal index maintenance (all require cs.mu)
// ============================================================================

func (cs *ChatStore) appendLocked(m Message) {
	cs.messages = append(cs.messages, m)
	pos := len(cs.messages) - 1
	if m.ID != "" {
		cs.index[m.ID] = pos
		cs.seen.Add(m.ID, struct{}{})
	}
	if m.TempID != "" {
		cs.index[m.TempID] = pos
	}
}

// lookupLocked finds the position of an entry matching either identifier.
func (cs *ChatStore) lookupLocked(m Message) (int, bool) {
	if m.ID != "" {
		if pos, ok := cs.index[m.ID]; ok {
			return pos, true
		}
	}
	if m.TempID != "" {
		if pos, ok := cs.index[m.TempID]; ok {
			return pos, true
		}
	}
	return 0, false
}

// upsertLocked appends m or merges it into the entry it duplicates.
func (cs *ChatStore) upsertLocked(m Message) {
	if pos, ok := cs.lookupLocked(m); ok {
		mergeMessage(&cs.messages[pos], m)
		dst := cs.messages[pos]
		if dst.ID != "" {
			cs.index[dst.ID] = pos
			cs.seen.Add(dst.ID, struct{}{})
		}
		if dst.TempID != "" {
			cs.index[dst.TempID] = pos
		}
		return
	}
	cs.appendLocked(m)
}

// dedupeLocked rebuilds the list so no two entries share a dedupe key.
// First-seen order is preserved; later duplicates merge into the earlier
// entry.
func (cs *ChatStore) dedupeLocked() {
	out := cs.messages[:0:0]
	index := make(map[string]int, len(cs.messages))
	for _, m := range cs.messages {
		merged := false
		if m.ID != "" {
			if pos, ok := index[m.ID]; ok {
				mergeMessage(&out[pos], m)
				merged = true
			}
		}
		if !merged && m.TempID != "" {
			if pos, ok := index[m.TempID]; ok {
				mergeMessage(&out[pos], m)
				merged = true
			}
		}
		if merged {
			continue
		}
		out = append(out, m)
		pos := len(out) - 1
		if m.ID != "" {
			index[m.ID] = pos
		}
		if m.TempID != "" {
			index[m.TempID] = pos
		}
	}
	// Re-point ids that appeared on merged duplicates.
	for pos, m := range out {
		if m.ID != "" {
			index[m.ID] = pos
		}
		if m.TempID != "" {
			index[m.TempID] = pos
		}
	}
	cs.messages = out
	cs.index = index
}

// mergeMessage folds src into dst. Identity fields fill in, content fields
// prefer the newer value, and the delivered/read flags only ever move
// forward so a message never regresses to an earlier state.
func mergeMessage(dst *Message, src Message) {
	if dst.ID == "" && src.ID != "" {
		dst.ID = src.ID
	}
	if dst.TempID == "" && src.TempID != "" {
		dst.TempID = src.TempID
	}
	if src.SenderID != "" {
		dst.SenderID = src.SenderID
	}
	if src.ReceiverID != "" {
		dst.ReceiverID = src.ReceiverID
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.ImageURL != "" {
		dst.ImageURL = src.ImageURL
	}
	if src.FileURL != "" {
		dst.FileURL = src.FileURL
	}
	if src.FileName != "" {
		dst.FileName = src.FileName
	}
	if src.CreatedAt != "" {
		dst.CreatedAt = src.CreatedAt
	}
	dst.Delivered = dst.Delivered || src.Delivered
	dst.Read = dst.Read || src.Read
	if dst.Read {
		dst.Delivered = true
	}
}
