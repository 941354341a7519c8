package models

import (
	"strconv"
	"time"
)

// ConversationKey identifies one conversation: the counterpart user plus an
// optional listing context. Two keys with the same counterpart but different
// listing contexts name distinct conversations.
type ConversationKey struct {
	CounterpartID    int
	ListingContextID string
}

// String renders the key in the "<counterpart>" or "<counterpart>:<listing>"
// form used for storage rows and wire room names.
func (k ConversationKey) String() string {
	if k.ListingContextID == "" {
		return strconv.Itoa(k.CounterpartID)
	}
	return strconv.Itoa(k.CounterpartID) + ":" + k.ListingContextID
}

// ConversationSummary is one row of the conversation list projection.
type ConversationSummary struct {
	Key         ConversationKey
	Counterpart Participant
	LastMessage Message
	Unread      int
}

// NotificationPreview is the lightweight push sent before the full message
// has been hydrated: enough to bump a conversation preview, nothing more.
type NotificationPreview struct {
	MessageID        int       `json:"messageId"`
	SenderID         int       `json:"senderId"`
	SenderName       string    `json:"senderName"`
	ListingContextID string    `json:"listingContextId,omitempty"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"createdAt"`
}
