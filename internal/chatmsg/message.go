// Package chatmsg defines the wire, queue, bus, and storage shapes of a
// chat message as it crosses the pipeline, plus the validation rules
// the edge applies to inbound frames.
package chatmsg

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// MessageType enumerates the kinds of chat frame a client may send.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

func (t MessageType) valid() bool {
	switch t {
	case MessageTypeText, MessageTypeJoin, MessageTypeLeave:
		return true
	default:
		return false
	}
}

const (
	MinUserID = 1
	MaxUserID = 100000
	MinRoomID = 1
	MaxRoomID = 20
	MinMsgLen = 1
	MaxMsgLen = 500
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]{3,20}$`)

// ChatMessage is the wire-level payload accepted from clients.
type ChatMessage struct {
	UserID      int         `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   string      `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
	RoomID      int         `json:"roomId"`
}

// QueuedMessage is what crosses the broker: the ChatMessage plus a
// duplicated roomId (for partition independence), the server's ingress
// timestamp, and the W3C trace context of the edge handshake that
// accepted it (there is no HTTP header carrier on the broker, so it
// rides in the body instead).
type QueuedMessage struct {
	ChatMessage
	RoomID            int    `json:"roomId"`
	ReceivedTimestamp int64  `json:"receivedTimestamp"`
	TraceParent       string `json:"traceParent,omitempty"`
	TraceState        string `json:"traceState,omitempty"`
}

// BroadcastMessage is what crosses the bus: denormalized for fast
// delivery to connected clients. Never stored.
type BroadcastMessage struct {
	UserID          int         `json:"userId"`
	Username        string      `json:"username"`
	Message         string      `json:"message"`
	ClientTimestamp string      `json:"clientTimestamp"`
	MessageType     MessageType `json:"messageType"`
	RoomID          int         `json:"roomId"`
	ServerTimestamp int64       `json:"serverTimestamp"`
}

// NewBroadcastMessage denormalizes a QueuedMessage for bus delivery.
func NewBroadcastMessage(q QueuedMessage, serverTimestamp int64) BroadcastMessage {
	return BroadcastMessage{
		UserID:          q.UserID,
		Username:        q.Username,
		Message:         q.Message,
		ClientTimestamp: q.Timestamp,
		MessageType:     q.MessageType,
		RoomID:          q.RoomID,
		ServerTimestamp: serverTimestamp,
	}
}

// StoredMessage is the persisted record. (MessageID, CreatedAt) is the
// identity; inserts are idempotent on conflict.
type StoredMessage struct {
	MessageID       string
	RoomID          int
	UserID          int
	Username        string
	Message         string
	MessageType     MessageType
	ClientTimestamp time.Time
	ServerTimestamp time.Time
	CreatedAt       time.Time
}

// OutboundAccept is the envelope sent back to a client whose message was
// accepted by the broker.
type OutboundAccept struct {
	UserID          int         `json:"userId"`
	Username        string      `json:"username"`
	Message         string      `json:"message"`
	ClientTimestamp string      `json:"clientTimestamp"`
	MessageType     MessageType `json:"messageType"`
	Status          string      `json:"status"`
	ServerTimestamp int64       `json:"serverTimestamp"`
}

// ErrorCode enumerates the distinct rejection reasons sent to a client.
type ErrorCode string

const (
	ErrParse      ErrorCode = "PARSE_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrQueue      ErrorCode = "QUEUE_ERROR"
)

// OutboundError is the envelope sent back to a client whose message was
// rejected.
type OutboundError struct {
	Error     ErrorCode `json:"error"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

// ValidationError names the field that failed validation, so callers can
// render a distinct human-readable message per spec.md's validation table.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validate implements the exhaustive validation rules of spec.md §4.1.
// Each violation produces a distinct *ValidationError.
func Validate(m ChatMessage) error {
	if m.UserID < MinUserID || m.UserID > MaxUserID {
		return &ValidationError{Field: "userId", Reason: "must be an integer in [1, 100000]"}
	}
	if !usernamePattern.MatchString(m.Username) {
		return &ValidationError{Field: "username", Reason: "must match ^[A-Za-z0-9]{3,20}$"}
	}
	if !utf8.ValidString(m.Message) || len(m.Message) < MinMsgLen || len(m.Message) > MaxMsgLen {
		return &ValidationError{Field: "message", Reason: "must be 1-500 bytes of UTF-8"}
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Reason: "must parse as ISO-8601"}
	}
	if !m.MessageType.valid() {
		return &ValidationError{Field: "messageType", Reason: "must be one of TEXT, JOIN, LEAVE"}
	}
	if m.RoomID < MinRoomID || m.RoomID > MaxRoomID {
		return &ValidationError{Field: "roomId", Reason: "must be an integer in [1, 20]"}
	}
	return nil
}

// ValidRoom reports whether n is a valid room id (spec.md §3 Room).
func ValidRoom(n int) bool {
	return n >= MinRoomID && n <= MaxRoomID
}
