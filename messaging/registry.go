// Package messaging holds the authoritative conversation state for the
// current user: the deduplicated, ordered registry, the optimistic send
// pipeline, read receipts, and typing signals. The UI (or any host) is a
// projection of this package's state.
package messaging

import (
	"log"
	"sort"
	"sync"
	"time"

	"marketchat/models"
)

// conversation owns one ordered, deduplicated message sequence plus its
// unread counter.
type conversation struct {
	key         models.ConversationKey
	counterpart models.Participant

	entries []models.Message
	byDoc   map[string]int
	byID    map[int]int
	byLocal map[int64]int

	unread int
}

// Registry is the single source of truth for all conversations. Its
// operations never fail: they are total in-memory mutations; LocalState
// persistence is best-effort and logged.
type Registry struct {
	mu sync.Mutex

	selfID        int
	conversations map[models.ConversationKey]*conversation
	open          map[models.ConversationKey]bool

	state         LocalState
	onUnreadTotal func(total int)
}

// NewRegistry creates a registry for the given user. onUnreadTotal, when
// non-nil, receives the aggregate unread count after every mutation that can
// change it.
func NewRegistry(selfID int, state LocalState, onUnreadTotal func(int)) *Registry {
	if state == nil {
		state = NewMemoryState()
	}
	return &Registry{
		selfID:        selfID,
		conversations: make(map[models.ConversationKey]*conversation),
		open:          make(map[models.ConversationKey]bool),
		state:         state,
		onUnreadTotal: onUnreadTotal,
	}
}

// KeyFor derives the conversation identity from a message: the counterpart
// is whichever participant is not the current user. When neither matches
// (a reconciliation path can surface the user's own sent copy with stale
// participant shapes) the sender is treated as the counterpart.
func (r *Registry) KeyFor(message models.Message) models.ConversationKey {
	counterpart := message.Sender
	if message.Sender.ID() == r.selfID {
		counterpart = message.Receiver
	}
	return models.ConversationKey{
		CounterpartID:    counterpart.ID(),
		ListingContextID: message.ListingContextID,
	}
}

// UpsertMessage inserts or replaces a message in its conversation. Dedup key
// priority: documentId, then numeric id, then localId. An existing entry is
// replaced in place, preserving its position, which makes the operation
// idempotent under redelivery.
func (r *Registry) UpsertMessage(message models.Message) {
	r.mu.Lock()
	r.upsertLocked(message)
	r.mu.Unlock()
}

// RecordIncoming upserts a pushed message and, when the current user is the
// receiver and the conversation is not open, increments its unread counter.
// Redelivered messages never double-count; messages already read in this
// session never count at all.
func (r *Registry) RecordIncoming(message models.Message) {
	r.mu.Lock()

	added := r.upsertLocked(message)
	key := r.KeyFor(message)
	conv := r.conversations[key]

	shouldCount := added &&
		conv != nil &&
		message.Receiver.ID() == r.selfID &&
		!message.Read() &&
		!r.open[key] &&
		!r.locallyRead(message.Key())
	if shouldCount {
		conv.unread++
	}

	total, notify := r.totalLocked()
	r.mu.Unlock()

	if notify != nil {
		notify(total)
	}
}

// ClearUnread zeroes a conversation's unread counter and persists the
// cleared marker so a reload within the session does not resurrect it.
func (r *Registry) ClearUnread(key models.ConversationKey) {
	now := time.Now()

	r.mu.Lock()
	if conv := r.conversations[key]; conv != nil {
		conv.unread = 0
	}
	if err := r.state.MarkCleared(key.String(), now); err != nil {
		log.Printf("messaging: persist cleared marker for %s: %v", key, err)
	}
	total, notify := r.totalLocked()
	r.mu.Unlock()

	if notify != nil {
		notify(total)
	}
}

// SetOpen marks a conversation as currently open; incoming messages for an
// open conversation are considered seen immediately.
func (r *Registry) SetOpen(key models.ConversationKey, open bool) {
	r.mu.Lock()
	if open {
		r.open[key] = true
	} else {
		delete(r.open, key)
	}
	r.mu.Unlock()
}

// MarkReadLocal sets a message's read timestamp locally and persists the
// read id. It adjusts the conversation's unread counter when the message
// was an unread incoming one.
func (r *Registry) MarkReadLocal(message models.Message, readAt time.Time) {
	r.mu.Lock()

	key := r.KeyFor(message)
	conv := r.conversations[key]
	if conv != nil {
		if index, ok := conv.lookup(message); ok {
			entry := &conv.entries[index]
			if entry.ReadAt == nil && entry.Receiver.ID() == r.selfID && conv.unread > 0 {
				conv.unread--
			}
			if entry.ReadAt == nil {
				at := readAt
				entry.ReadAt = &at
			}
		}
	}
	if err := r.state.MarkMessageRead(message.Key()); err != nil {
		log.Printf("messaging: persist read id %s: %v", message.Key(), err)
	}

	total, notify := r.totalLocked()
	r.mu.Unlock()

	if notify != nil {
		notify(total)
	}
}

// ApplyReadReceipt applies a pushed read receipt: the matching message gets
// its read timestamp; the conversation's unread counter drops by at most the
// number of newly-read incoming messages, never below zero.
func (r *Registry) ApplyReadReceipt(documentID string, numericID int, readAt time.Time) {
	r.mu.Lock()

	probe := models.Message{DocumentID: documentID, ID: numericID}
	for _, conv := range r.conversations {
		index, ok := conv.lookup(probe)
		if !ok {
			continue
		}
		entry := &conv.entries[index]
		if entry.ReadAt == nil {
			at := readAt
			entry.ReadAt = &at
			if entry.Receiver.ID() == r.selfID && conv.unread > 0 {
				conv.unread--
			}
		}
		break
	}

	total, notify := r.totalLocked()
	r.mu.Unlock()

	if notify != nil {
		notify(total)
	}
}

// ReplaceProvisional swaps a provisional entry for the authoritative record,
// preserving its position. Returns false when the provisional entry is gone
// (already reconciled by a racing push). When the authoritative record is
// already present under its documentId or numeric id, the provisional entry
// is dropped instead of replaced so the push and the create response can
// apply in either order without duplicating the message.
func (r *Registry) ReplaceProvisional(localID int64, authoritative models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.KeyFor(authoritative)
	conv := r.conversations[key]
	if conv == nil {
		return false
	}
	index, ok := conv.byLocal[localID]
	if !ok {
		return false
	}

	authoritative.Provisional = false
	if existing, found := conv.lookup(authoritative); found && existing != index {
		conv.entries[existing] = authoritative
		conv.entries = append(conv.entries[:index:index], conv.entries[index+1:]...)
		conv.reindex()
		return true
	}
	conv.entries[index] = authoritative
	conv.reindex()
	return true
}

// RemoveProvisional rolls back a failed optimistic send. The only path that
// removes a message from a thread.
func (r *Registry) RemoveProvisional(key models.ConversationKey, localID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conversations[key]
	if conv == nil {
		return false
	}
	index, ok := conv.byLocal[localID]
	if !ok {
		return false
	}

	conv.entries = append(conv.entries[:index:index], conv.entries[index+1:]...)
	conv.reindex()
	return true
}

// Contains reports whether a message is already present by documentId or
// numeric id.
func (r *Registry) Contains(message models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conversations[r.KeyFor(message)]
	if conv == nil {
		return false
	}
	_, ok := conv.lookup(message)
	return ok
}

// Thread returns a copy of one conversation's ordered messages.
func (r *Registry) Thread(key models.ConversationKey) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conversations[key]
	if conv == nil {
		return nil
	}
	return append([]models.Message(nil), conv.entries...)
}

// Unread returns one conversation's unread counter.
func (r *Registry) Unread(key models.ConversationKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv := r.conversations[key]; conv != nil {
		return conv.unread
	}
	return 0
}

// TotalUnread returns the aggregate unread count across conversations.
func (r *Registry) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, _ := r.totalLocked()
	return total
}

// Conversations returns summaries sorted by most recent message descending.
// Conversations whose counterpart identity never resolved (deleted accounts)
// are filtered out.
func (r *Registry) Conversations() []models.ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summaries := make([]models.ConversationSummary, 0, len(r.conversations))
	for _, conv := range r.conversations {
		if len(conv.entries) == 0 || !conv.counterpart.Resolved() {
			continue
		}
		summaries = append(summaries, models.ConversationSummary{
			Key:         conv.key,
			Counterpart: conv.counterpart,
			LastMessage: conv.entries[len(conv.entries)-1],
			Unread:      conv.unread,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessage.CreatedAt.After(summaries[j].LastMessage.CreatedAt)
	})
	return summaries
}

// RecomputeUnread rebuilds a conversation's unread counter from message
// state: unread incoming messages not locally read and newer than the
// session's cleared marker. Used after hydration, where counters cannot be
// derived from push arrival.
func (r *Registry) RecomputeUnread(key models.ConversationKey) {
	r.mu.Lock()

	if conv := r.conversations[key]; conv != nil {
		clearedAt, cleared, err := r.state.ClearedAt(key.String())
		if err != nil {
			log.Printf("messaging: read cleared marker for %s: %v", key, err)
		}

		count := 0
		for _, entry := range conv.entries {
			if entry.Receiver.ID() != r.selfID || entry.Read() {
				continue
			}
			if cleared && !entry.CreatedAt.After(clearedAt) {
				continue
			}
			if r.locallyRead(entry.Key()) {
				continue
			}
			count++
		}
		conv.unread = count
	}

	total, notify := r.totalLocked()
	r.mu.Unlock()

	if notify != nil {
		notify(total)
	}
}

// Keys returns every known conversation key.
func (r *Registry) Keys() []models.ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]models.ConversationKey, 0, len(r.conversations))
	for key := range r.conversations {
		keys = append(keys, key)
	}
	return keys
}

func (r *Registry) upsertLocked(message models.Message) bool {
	key := r.KeyFor(message)
	conv := r.conversations[key]
	if conv == nil {
		conv = &conversation{
			key:     key,
			byDoc:   make(map[string]int),
			byID:    make(map[int]int),
			byLocal: make(map[int64]int),
		}
		r.conversations[key] = conv
	}

	counterpart := message.Sender
	if message.Sender.ID() == r.selfID {
		counterpart = message.Receiver
	}
	// Prefer the richest counterpart shape seen so far; a bare id never
	// overwrites a resolved profile.
	if counterpart.Resolved() || conv.counterpart.ID() == 0 {
		conv.counterpart = counterpart
	}

	if index, ok := conv.lookup(message); ok {
		conv.entries[index] = message
		conv.reindex()
		return false
	}

	conv.insert(message)
	return true
}

func (r *Registry) locallyRead(messageKey string) bool {
	read, err := r.state.IsMessageRead(messageKey)
	if err != nil {
		log.Printf("messaging: read local state for %s: %v", messageKey, err)
		return false
	}
	return read
}

func (r *Registry) totalLocked() (int, func(int)) {
	total := 0
	for _, conv := range r.conversations {
		total += conv.unread
	}
	return total, r.onUnreadTotal
}

// lookup finds an existing entry by dedup key priority: documentId, numeric
// id, local id.
func (c *conversation) lookup(message models.Message) (int, bool) {
	if message.DocumentID != "" {
		if index, ok := c.byDoc[message.DocumentID]; ok {
			return index, true
		}
	}
	if message.ID != 0 {
		if index, ok := c.byID[message.ID]; ok {
			return index, true
		}
	}
	if message.LocalID != 0 {
		if index, ok := c.byLocal[message.LocalID]; ok {
			return index, true
		}
	}
	return 0, false
}

// insert places a message in createdAt order; ties and later timestamps
// append, keeping arrival order stable.
func (c *conversation) insert(message models.Message) {
	position := len(c.entries)
	for position > 0 && c.entries[position-1].CreatedAt.After(message.CreatedAt) {
		position--
	}

	if position == len(c.entries) {
		c.entries = append(c.entries, message)
		c.index(message, position)
		return
	}

	c.entries = append(c.entries, models.Message{})
	copy(c.entries[position+1:], c.entries[position:])
	c.entries[position] = message
	c.reindex()
}

func (c *conversation) index(message models.Message, position int) {
	if message.DocumentID != "" {
		c.byDoc[message.DocumentID] = position
	}
	if message.ID != 0 {
		c.byID[message.ID] = position
	}
	if message.LocalID != 0 && message.Provisional {
		c.byLocal[message.LocalID] = position
	}
}

func (c *conversation) reindex() {
	c.byDoc = make(map[string]int, len(c.entries))
	c.byID = make(map[int]int, len(c.entries))
	c.byLocal = make(map[int64]int)
	for position, entry := range c.entries {
		c.index(entry, position)
	}
}
