package models

import (
	"strconv"
	"time"
)

// Attachment is one uploaded file reference on a message.
type Attachment struct {
	ID   int    `json:"id"`
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Name string `json:"name"`
}

// Message is one unit of conversation content. Once the CMS has confirmed it,
// DocumentID is the preferred identity key; the numeric ID is kept because
// older rows and some push payloads carry only that.
type Message struct {
	ID         int    `json:"id"`
	DocumentID string `json:"documentId,omitempty"`

	// LocalID is assigned client-side before the create call confirms and is
	// never sent over the wire.
	LocalID int64 `json:"-"`

	Sender   Participant `json:"sender"`
	Receiver Participant `json:"receiver"`

	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ListingContextID scopes the conversation to one listing. The same two
	// users may hold independent conversations per listing.
	ListingContextID string `json:"listingContextId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`

	// Provisional marks a locally inserted message awaiting confirmation.
	Provisional bool `json:"-"`
}

// Key returns the dedup identity: documentId when known, else the numeric id
// rendered as text, else the local id. Provisional messages have only the
// local form until reconciliation swaps in the authoritative record.
func (m Message) Key() string {
	if m.DocumentID != "" {
		return m.DocumentID
	}
	if m.ID != 0 {
		return "id:" + strconv.Itoa(m.ID)
	}
	return "local:" + strconv.FormatInt(m.LocalID, 10)
}

// Read reports whether the message carries a read timestamp.
func (m Message) Read() bool {
	return m.ReadAt != nil
}
