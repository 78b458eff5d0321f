package bazario

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic `{data: ...}` envelope every REST endpoint returns.
type APIResult struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity & Session Types
// ============================================================================

// User is the minimal identity this core consumes from the auth store.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// DevicePlatform identifies the mobile platform of a device session.
type DevicePlatform string

const (
	PlatformIOS     DevicePlatform = "ios"
	PlatformAndroid DevicePlatform = "android"
)

// Session is a server-tracked record associating a logged-in user with one
// device/app instance. The id is persisted locally and reused across app
// restarts so the backend updates rather than duplicates the session.
type Session struct {
	ID             string         `json:"id"`
	DeviceToken    string         `json:"deviceToken,omitempty"`
	DevicePlatform DevicePlatform `json:"devicePlatform,omitempty"`
	IsOnline       bool           `json:"isOnline"`
}

// RegisterSessionRequest is the body of POST /sessions/register.
type RegisterSessionRequest struct {
	Device         string         `json:"device"`
	DeviceToken    string         `json:"deviceToken"`
	DevicePlatform DevicePlatform `json:"devicePlatform"`
	SessionID      string         `json:"sessionId,omitempty"`
}

// ============================================================================
// Message Types
// ============================================================================

// MessageState is the sender-view lifecycle of a message. Transitions are
// monotonic: Pending -> Sent -> Delivered -> Read, never backwards.
type MessageState string

const (
	StatePending   MessageState = "PENDING"
	StateSent      MessageState = "SENT"
	StateDelivered MessageState = "DELIVERED"
	StateRead      MessageState = "READ"
)

// Message is one conversation entry. ID is server-issued and absent until the
// server acknowledges the send; TempID is client-issued and present for every
// locally originated message. Exactly one of the two identifies an entry for
// store purposes (ID wins once assigned).
type Message struct {
	ID         string `json:"id,omitempty"`
	TempID     string `json:"tempId,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	Delivered  bool   `json:"delivered"`
	Read       bool   `json:"read"`
}

// Key returns the store dedupe key: ID if assigned, else TempID.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// State derives the sender-view lifecycle state from the flags.
func (m *Message) State() MessageState {
	switch {
	case m.Read:
		return StateRead
	case m.Delivered:
		return StateDelivered
	case m.ID != "":
		return StateSent
	default:
		return StatePending
	}
}

// MediaKind distinguishes the two media attachment slots on a message.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaFile  MediaKind = "file"
)

// ============================================================================
// Socket Wire Types
// ============================================================================

// Envelope is the wire format for every socket event, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound socket events. Exact names matter for backend compatibility.
const (
	EventReceiveMessage   = "receive_message"
	EventMessageSent      = "message_sent"
	EventMessageDelivered = "message_delivered"
	EventMessagesRead     = "messages_read"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
)

// Outbound socket events.
const (
	EventJoin         = "join"
	EventSendMessage  = "send_message"
	EventAckRead      = "ack_read"
	EventAckDelivered = "ack_delivered"
)

// JoinPayload is emitted once per connection to enter the session room.
type JoinPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// SendMessagePayload is the outbound send_message frame.
type SendMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	TempID     string `json:"tempId"`
	Content    string `json:"content,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// ServerAckPayload is the message_sent confirmation for an optimistic send.
type ServerAckPayload struct {
	TempID    string `json:"tempId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// DeliveredPayload is the message_delivered notification.
type DeliveredPayload struct {
	MessageID string `json:"messageId"`
}

// ReadPayload is the messages_read notification. When MessageIDs is empty the
// event is sender-scoped: every own message addressed to ReaderID is read.
type ReadPayload struct {
	MessageIDs []string `json:"messageIds,omitempty"`
	ReaderID   string   `json:"readerId,omitempty"`
}

// AckReadPayload is the outbound read receipt.
type AckReadPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// TypingPayload carries typing / stop_typing in both directions: To on the
// way out, From on the way in.
type TypingPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// PresencePayload carries user_online / user_offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}
