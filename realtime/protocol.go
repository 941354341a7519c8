// Package realtime maintains the authenticated websocket connection to the
// marketplace gateway and fans incoming push events out through a typed
// dispatcher. It knows nothing about conversation state; package messaging
// subscribes to it.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketchat/models"
)

const (
	// ProtocolVersion is the current gateway event protocol version.
	ProtocolVersion = 1
	// DefaultDialTimeout bounds websocket dial plus handshake ack.
	DefaultDialTimeout = 30 * time.Second
	// DefaultConnectAttempts is the bounded reconnect attempt count.
	DefaultConnectAttempts = 5
	// DefaultReconnectDelay is the base delay between attempts; the delay
	// grows linearly with the attempt number.
	DefaultReconnectDelay = time.Second
	// DefaultCredentialCheckInterval controls rotation detection frequency.
	DefaultCredentialCheckInterval = 30 * time.Second
)

// EventKind names one event on the dispatcher. The set is closed: inbound
// gateway pushes plus the transport-level connection events.
type EventKind string

const (
	EventConnect                EventKind = "connect"
	EventDisconnect             EventKind = "disconnect"
	EventConnectError           EventKind = "connect-error"
	EventNewMessage             EventKind = "new-message"
	EventNewMessageNotification EventKind = "new-message-notification"
	EventMessageRead            EventKind = "message-read"
	EventUnreadCountUpdated     EventKind = "unread-count-updated"
	EventUserTyping             EventKind = "user-typing"
	EventUserStopTyping         EventKind = "user-stop-typing"
)

// Outbound wire event names.
const (
	wireJoinConversation  = "join-conversation"
	wireLeaveConversation = "leave-conversation"
	wireTyping            = "typing"
	wireStopTyping        = "stop-typing"
)

var (
	// ErrInvalidEvent indicates the event name is missing or unknown.
	ErrInvalidEvent = errors.New("realtime: invalid event")
)

// Envelope is the on-wire frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectAck is the first frame the gateway sends after accepting the
// credential; the dial is not considered established until it arrives.
type ConnectAck struct {
	UserID          int `json:"userId"`
	ProtocolVersion int `json:"protocolVersion"`
}

// ReadEvent reports a read receipt pushed by the gateway.
type ReadEvent struct {
	MessageID  int       `json:"messageId"`
	DocumentID string    `json:"documentId,omitempty"`
	ReaderID   int       `json:"readerId"`
	ReadAt     time.Time `json:"readAt"`
}

// UnreadCountEvent carries the gateway's total unread count for the user.
type UnreadCountEvent struct {
	Total int `json:"total"`
}

// TypingEvent signals typing activity in one conversation.
type TypingEvent struct {
	UserID           int    `json:"userId"`
	ListingContextID string `json:"listingContextId,omitempty"`
}

// ConversationRef addresses one conversation in outbound room events.
type ConversationRef struct {
	CounterpartID    int    `json:"counterpartId"`
	ListingContextID string `json:"listingContextId,omitempty"`
}

func refFromKey(key models.ConversationKey) ConversationRef {
	return ConversationRef{CounterpartID: key.CounterpartID, ListingContextID: key.ListingContextID}
}

// EncodeEvent marshals an event name and payload into one frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidEvent
	}

	envelope := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %q payload: %w", event, err)
		}
		envelope.Data = data
	}
	return json.Marshal(envelope)
}

// DecodeEvent splits a frame into its event name and raw payload.
func DecodeEvent(frame []byte) (string, json.RawMessage, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return "", nil, fmt.Errorf("decode event frame: %w", err)
	}
	if envelope.Event == "" {
		return "", nil, ErrInvalidEvent
	}
	return envelope.Event, envelope.Data, nil
}

// pushEventKind maps an inbound wire event name onto a dispatcher kind.
// Unknown names are dropped by the read loop rather than dispatched.
func pushEventKind(event string) (EventKind, bool) {
	switch EventKind(event) {
	case EventNewMessage, EventNewMessageNotification, EventMessageRead,
		EventUnreadCountUpdated, EventUserTyping, EventUserStopTyping:
		return EventKind(event), true
	default:
		return "", false
	}
}
