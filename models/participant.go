package models

import (
	"encoding/json"
	"fmt"
)

// Participant identifies one side of a conversation. The CMS serializes it
// either as a bare numeric id or as a populated profile object depending on
// which endpoint produced the message, so both shapes decode into this one
// type and ID() is the single comparison key used everywhere.
type Participant struct {
	Identifier int    `json:"id"`
	Username   string `json:"username,omitempty"`
	Email      string `json:"email,omitempty"`
}

// ParticipantID wraps a bare numeric id as a Participant.
func ParticipantID(id int) Participant {
	return Participant{Identifier: id}
}

// ID returns the numeric identity, zero when unresolved.
func (p Participant) ID() int {
	return p.Identifier
}

// Resolved reports whether the participant carries a usable identity.
// Deleted accounts come back with a missing username and a non-positive id.
func (p Participant) Resolved() bool {
	return p.Identifier > 0 && p.Username != ""
}

// UnmarshalJSON accepts either a bare number or a profile object.
func (p *Participant) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		*p = Participant{Identifier: id}
		return nil
	}

	type profile struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	var prof profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}
	*p = Participant{Identifier: prof.ID, Username: prof.Username, Email: prof.Email}
	return nil
}

// MarshalJSON emits the bare numeric id; the profile fields are CMS-owned
// and never written back by this client.
func (p Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Identifier)
}
