package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"marketchat/api"
	"marketchat/models"
	"marketchat/realtime"
)

const (
	// DefaultMatchWindow bounds how far apart a provisional send and its
	// pushed authoritative copy may be and still reconcile by body match.
	DefaultMatchWindow = 10 * time.Second
	// DefaultHydratePageSize is the page size used by Hydrate.
	DefaultHydratePageSize = 100
)

var (
	// ErrSendFailed indicates the create call failed; the provisional
	// message has been rolled back.
	ErrSendFailed = errors.New("messaging: send failed")
	// ErrUploadFailed indicates an attachment upload failed; the send was
	// aborted before any message was created.
	ErrUploadFailed = errors.New("messaging: attachment upload failed")
	// ErrEmptyMessage indicates a send with neither body nor attachments.
	ErrEmptyMessage = errors.New("messaging: body or attachments required")
)

// PersistenceAPI is the CMS message persistence contract the service
// consumes. *api.Client satisfies it.
type PersistenceAPI interface {
	FetchMessages(ctx context.Context, page, pageSize int) (api.MessagePage, error)
	FetchThread(ctx context.Context, key models.ConversationKey, page, pageSize int) (api.MessagePage, error)
	CreateMessage(ctx context.Context, input api.CreateMessageInput) (models.Message, error)
	MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) (models.Message, error)
	UploadFiles(ctx context.Context, uploads []api.Upload) ([]models.Attachment, error)
}

// RoomControl is the realtime surface the service drives. *realtime.Client
// satisfies it.
type RoomControl interface {
	JoinConversation(key models.ConversationKey) error
	LeaveConversation(key models.ConversationKey) error
	SendTyping(key models.ConversationKey)
	StopTyping(key models.ConversationKey)
}

// Options configures the messaging service.
type Options struct {
	SelfID     int
	API        PersistenceAPI
	Realtime   RoomControl
	Dispatcher *realtime.Dispatcher
	State      LocalState

	OnUnreadTotal func(total int)

	MatchWindow     time.Duration
	TypingExpiry    time.Duration
	TypingIdle      time.Duration
	HydratePageSize int

	// Now allows tests to control time; defaults to time.Now.
	Now func() time.Time
}

// pendingSend is one reconciliation-table row. It exists because the
// gateway's push for the user's own sent message can race ahead of the HTTP
// response to the create call; whichever side applies the authoritative
// record first wins and the other becomes a no-op.
type pendingSend struct {
	localID   int64
	key       models.ConversationKey
	body      string
	createdAt time.Time
	matched   bool
}

// Service is the facade over registry, pipeline, read receipts, and typing
// state. One instance serves one authenticated user.
type Service struct {
	options  Options
	registry *Registry

	remoteTyping *typingTracker
	localTyping  *localTyping

	subscriptions []*realtime.Subscription

	pendingMu   sync.Mutex
	pending     []*pendingSend
	lastLocalID int64
}

// NewService creates the service and registers its dispatcher handlers.
// Callers own the returned service and must Close it.
func NewService(options Options) (*Service, error) {
	if options.SelfID <= 0 {
		return nil, errors.New("messaging: self user ID is required")
	}
	if options.API == nil {
		return nil, errors.New("messaging: persistence API is required")
	}
	if options.Realtime == nil {
		return nil, errors.New("messaging: realtime control is required")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("messaging: dispatcher is required")
	}
	if options.MatchWindow <= 0 {
		options.MatchWindow = DefaultMatchWindow
	}
	if options.HydratePageSize <= 0 {
		options.HydratePageSize = DefaultHydratePageSize
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	service := &Service{
		options:      options,
		registry:     NewRegistry(options.SelfID, options.State, options.OnUnreadTotal),
		remoteTyping: newTypingTracker(options.TypingExpiry),
	}
	service.localTyping = newLocalTyping(options.TypingIdle,
		options.Realtime.SendTyping, options.Realtime.StopTyping)
	service.subscribe()

	return service, nil
}

// Registry exposes the conversation state for projection by the host.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Close cancels dispatcher subscriptions and stops timers.
func (s *Service) Close() {
	for _, subscription := range s.subscriptions {
		subscription.Cancel()
	}
	s.remoteTyping.stopAll()
	s.localTyping.stopAll()
}

// Send performs the optimistic send pipeline: upload attachments, insert a
// provisional message, issue the authoritative create, then reconcile with
// whichever of the HTTP response or the racing push arrived first. On create
// failure the provisional entry is rolled back and ErrSendFailed returned.
func (s *Service) Send(ctx context.Context, counterpartID int, body string, listingContextID string, uploads []api.Upload) (models.Message, error) {
	var attachments []models.Attachment
	if len(uploads) > 0 {
		uploaded, err := s.options.API.UploadFiles(ctx, uploads)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		attachments = uploaded
	}
	if body == "" && len(attachments) == 0 {
		return models.Message{}, ErrEmptyMessage
	}

	now := s.options.Now()
	localID := s.nextLocalID(now)
	key := models.ConversationKey{CounterpartID: counterpartID, ListingContextID: listingContextID}

	entry := &pendingSend{localID: localID, key: key, body: body, createdAt: now}
	s.pendingMu.Lock()
	s.pending = append(s.pending, entry)
	s.pendingMu.Unlock()

	provisional := models.Message{
		LocalID:          localID,
		Sender:           models.ParticipantID(s.options.SelfID),
		Receiver:         models.ParticipantID(counterpartID),
		Body:             body,
		Attachments:      attachments,
		ListingContextID: listingContextID,
		CreatedAt:        now,
		Provisional:      true,
	}
	s.registry.UpsertMessage(provisional)

	attachmentIDs := make([]int, 0, len(attachments))
	for _, attachment := range attachments {
		attachmentIDs = append(attachmentIDs, attachment.ID)
	}

	authoritative, err := s.options.API.CreateMessage(ctx, api.CreateMessageInput{
		ReceiverID:       counterpartID,
		Body:             body,
		ListingContextID: listingContextID,
		AttachmentIDs:    attachmentIDs,
	})
	if err != nil {
		s.registry.RemoveProvisional(key, localID)
		s.removePending(entry)
		return models.Message{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.pendingMu.Lock()
	matched := entry.matched
	s.pendingMu.Unlock()
	s.removePending(entry)

	if !matched {
		if !s.registry.ReplaceProvisional(localID, authoritative) && !s.registry.Contains(authoritative) {
			s.registry.UpsertMessage(authoritative)
		}
	}
	return authoritative, nil
}

// MarkRead marks a message read: locally at once, on the server best-effort.
// Idempotent; server failures are logged and swallowed since read state is a
// secondary signal.
func (s *Service) MarkRead(ctx context.Context, message models.Message) {
	if message.Read() {
		return
	}

	readAt := s.options.Now()
	s.registry.MarkReadLocal(message, readAt)

	messageID := message.DocumentID
	if messageID == "" && message.ID != 0 {
		messageID = strconv.Itoa(message.ID)
	}
	if messageID == "" {
		return
	}
	if _, err := s.options.API.MarkMessageRead(ctx, messageID, readAt); err != nil {
		log.Printf("messaging: mark read %s not persisted: %v", messageID, err)
	}
}

// OpenConversation joins the conversation's room, marks every loaded unread
// incoming message read, and clears the unread counter.
func (s *Service) OpenConversation(ctx context.Context, key models.ConversationKey) error {
	s.registry.SetOpen(key, true)

	for _, message := range s.registry.Thread(key) {
		if message.Receiver.ID() == s.options.SelfID && !message.Read() {
			s.MarkRead(ctx, message)
		}
	}
	s.registry.ClearUnread(key)

	return s.options.Realtime.JoinConversation(key)
}

// CloseConversation leaves the room and drops the open marker.
func (s *Service) CloseConversation(key models.ConversationKey) error {
	s.registry.SetOpen(key, false)
	return s.options.Realtime.LeaveConversation(key)
}

// NoteLocalTyping records local input activity; typing/stop-typing signals
// are emitted with a one-second inactivity debounce.
func (s *Service) NoteLocalTyping(key models.ConversationKey) {
	s.localTyping.note(key)
}

// TypingActive reports whether the counterpart is currently typing.
func (s *Service) TypingActive(key models.ConversationKey) bool {
	return s.remoteTyping.active(key)
}

// Hydrate pages the user's full message history into the registry and
// rebuilds unread counters from persisted session state.
func (s *Service) Hydrate(ctx context.Context) error {
	pageSize := s.options.HydratePageSize
	for page := 1; ; page++ {
		result, err := s.options.API.FetchMessages(ctx, page, pageSize)
		if err != nil {
			return fmt.Errorf("hydrate page %d: %w", page, err)
		}
		for _, message := range result.Messages {
			s.registry.UpsertMessage(message)
		}
		if result.Pagination.PageCount == 0 || page >= result.Pagination.PageCount {
			break
		}
	}

	for _, key := range s.registry.Keys() {
		s.registry.RecomputeUnread(key)
	}
	return nil
}

// LoadThread pages one conversation's history into the registry.
func (s *Service) LoadThread(ctx context.Context, key models.ConversationKey, page, pageSize int) error {
	result, err := s.options.API.FetchThread(ctx, key, page, pageSize)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", key, err)
	}
	for _, message := range result.Messages {
		s.registry.UpsertMessage(message)
	}
	s.registry.RecomputeUnread(key)
	return nil
}

func (s *Service) subscribe() {
	dispatcher := s.options.Dispatcher
	s.subscriptions = []*realtime.Subscription{
		dispatcher.Subscribe(realtime.EventNewMessage, s.onNewMessage),
		dispatcher.Subscribe(realtime.EventNewMessageNotification, s.onNotification),
		dispatcher.Subscribe(realtime.EventMessageRead, s.onMessageRead),
		dispatcher.Subscribe(realtime.EventUnreadCountUpdated, s.onUnreadCount),
		dispatcher.Subscribe(realtime.EventUserTyping, s.onUserTyping),
		dispatcher.Subscribe(realtime.EventUserStopTyping, s.onUserStopTyping),
		dispatcher.Subscribe(realtime.EventDisconnect, s.onDisconnect),
	}
}

func (s *Service) onNewMessage(event realtime.Event) {
	var message models.Message
	if err := json.Unmarshal(event.Data, &message); err != nil {
		log.Printf("messaging: dropping malformed new-message: %v", err)
		return
	}

	if message.Sender.ID() == s.options.SelfID {
		if s.reconcilePush(message) {
			return
		}
		// Own message from another channel (second device, reconciliation
		// echo): plain upsert, never counts as unread.
		s.registry.UpsertMessage(message)
		return
	}

	s.registry.RecordIncoming(message)
}

// reconcilePush matches a pushed own-message against the pending-send table
// by conversation, body equality, and timestamp proximity. On a match the
// provisional entry is replaced and the later HTTP response becomes a no-op.
func (s *Service) reconcilePush(message models.Message) bool {
	key := s.registry.KeyFor(message)

	s.pendingMu.Lock()
	var match *pendingSend
	for _, entry := range s.pending {
		if entry.matched || entry.key != key || entry.body != message.Body {
			continue
		}
		delta := message.CreatedAt.Sub(entry.createdAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.options.MatchWindow {
			match = entry
			break
		}
	}
	if match != nil {
		match.matched = true
	}
	s.pendingMu.Unlock()

	if match == nil {
		return false
	}
	if !s.registry.ReplaceProvisional(match.localID, message) && !s.registry.Contains(message) {
		s.registry.UpsertMessage(message)
	}
	return true
}

func (s *Service) onNotification(event realtime.Event) {
	var preview models.NotificationPreview
	if err := json.Unmarshal(event.Data, &preview); err != nil {
		log.Printf("messaging: dropping malformed notification: %v", err)
		return
	}
	if preview.SenderID == s.options.SelfID {
		return
	}

	stub := models.Message{
		ID:               preview.MessageID,
		Sender:           models.Participant{Identifier: preview.SenderID, Username: preview.SenderName},
		Receiver:         models.ParticipantID(s.options.SelfID),
		Body:             preview.Body,
		ListingContextID: preview.ListingContextID,
		CreatedAt:        preview.CreatedAt,
	}
	if stub.CreatedAt.IsZero() {
		stub.CreatedAt = s.options.Now()
	}
	if s.registry.Contains(stub) {
		// The full message already arrived; the lightweight push is stale.
		return
	}
	s.registry.RecordIncoming(stub)
}

func (s *Service) onMessageRead(event realtime.Event) {
	var receipt realtime.ReadEvent
	if err := json.Unmarshal(event.Data, &receipt); err != nil {
		log.Printf("messaging: dropping malformed read receipt: %v", err)
		return
	}
	readAt := receipt.ReadAt
	if readAt.IsZero() {
		readAt = s.options.Now()
	}
	s.registry.ApplyReadReceipt(receipt.DocumentID, receipt.MessageID, readAt)
}

func (s *Service) onUnreadCount(event realtime.Event) {
	var update realtime.UnreadCountEvent
	if err := json.Unmarshal(event.Data, &update); err != nil {
		log.Printf("messaging: dropping malformed unread-count update: %v", err)
		return
	}
	if local := s.registry.TotalUnread(); local != update.Total {
		log.Printf("messaging: gateway reports %d unread, local total is %d", update.Total, local)
	}
}

func (s *Service) onUserTyping(event realtime.Event) {
	if key, ok := s.typingKey(event); ok {
		s.remoteTyping.set(key)
	}
}

func (s *Service) onUserStopTyping(event realtime.Event) {
	if key, ok := s.typingKey(event); ok {
		s.remoteTyping.clear(key)
	}
}

func (s *Service) typingKey(event realtime.Event) (models.ConversationKey, bool) {
	var signal realtime.TypingEvent
	if err := json.Unmarshal(event.Data, &signal); err != nil {
		log.Printf("messaging: dropping malformed typing signal: %v", err)
		return models.ConversationKey{}, false
	}
	if signal.UserID == 0 || signal.UserID == s.options.SelfID {
		return models.ConversationKey{}, false
	}
	return models.ConversationKey{CounterpartID: signal.UserID, ListingContextID: signal.ListingContextID}, true
}

func (s *Service) onDisconnect(realtime.Event) {
	// Remote typing state is meaningless across a connection gap.
	s.remoteTyping.stopAll()
}

// nextLocalID returns a strictly monotonic client-side id. Uniqueness alone
// is not what reconciliation relies on; body+timestamp matching covers the
// collision case.
func (s *Service) nextLocalID(now time.Time) int64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	id := now.UnixMilli()
	if id <= s.lastLocalID {
		id = s.lastLocalID + 1
	}
	s.lastLocalID = id
	return id
}

func (s *Service) removePending(entry *pendingSend) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for i, candidate := range s.pending {
		if candidate == entry {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}
