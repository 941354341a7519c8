package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/models"
	"marketchat/session"
)

var (
	// ErrAuthentication indicates no credential was available at connect time.
	ErrAuthentication = errors.New("realtime: no credential available")
	// ErrConnectExhausted indicates the bounded connect attempts all failed.
	ErrConnectExhausted = errors.New("realtime: connect attempts exhausted")
	// ErrNotConnected indicates an operation requires an established connection.
	ErrNotConnected = errors.New("realtime: not connected")
)

// ConnState is the lifecycle state of the gateway connection.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

// Options configures the realtime client.
type Options struct {
	URL        string
	Session    session.Source
	Dispatcher *Dispatcher

	Dialer                  *websocket.Dialer
	DialTimeout             time.Duration
	ConnectAttempts         int
	ReconnectDelay          time.Duration
	CredentialCheckInterval time.Duration
}

// Client owns the single authenticated websocket connection for the session.
// Conversation joins issued while disconnected are queued and replayed FIFO
// once a connection is established; active joins are re-sent after every
// reconnect.
type Client struct {
	options    Options
	dispatcher *Dispatcher

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	generation uint64
	credential string
	userID     int

	pendingJoins []models.ConversationKey
	joined       []models.ConversationKey

	cancelWatch context.CancelFunc
	wg          sync.WaitGroup

	writeMu sync.Mutex
}

// NewClient creates a realtime client with validated configuration.
func NewClient(options Options) (*Client, error) {
	if options.URL == "" {
		return nil, errors.New("realtime: gateway URL is required")
	}
	if options.Session == nil {
		return nil, errors.New("realtime: session source is required")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("realtime: dispatcher is required")
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.ConnectAttempts <= 0 {
		options.ConnectAttempts = DefaultConnectAttempts
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.CredentialCheckInterval <= 0 {
		options.CredentialCheckInterval = DefaultCredentialCheckInterval
	}
	if options.Dialer == nil {
		options.Dialer = &websocket.Dialer{HandshakeTimeout: options.DialTimeout}
	}

	return &Client{
		options:    options,
		dispatcher: options.Dispatcher,
		state:      StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the gateway connection for the given user. It fails
// with ErrAuthentication when the session store has no credential and with
// ErrConnectExhausted after the bounded attempts all fail. Calling Connect
// while connected is a no-op.
func (c *Client) Connect(ctx context.Context, userID int) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if _, err := c.options.Session.Credential(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	c.userID = userID
	c.state = StateConnecting
	generation := c.generation
	c.mu.Unlock()

	if err := c.establish(ctx, generation); err != nil {
		return err
	}
	return nil
}

// Disconnect tears down the connection. Idempotent and safe to call while
// already disconnected; queued and active joins are retained so a later
// Connect replays them.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.generation++
	c.state = StateDisconnected
	cancel := c.cancelWatch
	c.cancelWatch = nil
	// Active joins move back to the pending queue in their original order.
	c.pendingJoins = mergeKeys(c.joined, c.pendingJoins)
	c.joined = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
		c.dispatcher.Publish(Event{Kind: EventDisconnect})
	}
	c.wg.Wait()
}

// JoinConversation subscribes to pushes for one conversation. While
// disconnected the request is queued and replayed on connect.
func (c *Client) JoinConversation(key models.ConversationKey) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		if !containsKey(c.pendingJoins, key) && !containsKey(c.joined, key) {
			c.pendingJoins = append(c.pendingJoins, key)
		}
		c.mu.Unlock()
		return nil
	}
	if !containsKey(c.joined, key) {
		c.joined = append(c.joined, key)
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeEvent(conn, wireJoinConversation, refFromKey(key))
}

// LeaveConversation unsubscribes from one conversation. A join still queued
// for replay is simply dropped.
func (c *Client) LeaveConversation(key models.ConversationKey) error {
	c.mu.Lock()
	c.pendingJoins = removeKey(c.pendingJoins, key)
	wasJoined := containsKey(c.joined, key)
	c.joined = removeKey(c.joined, key)
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected || !wasJoined {
		return nil
	}
	return c.writeEvent(conn, wireLeaveConversation, refFromKey(key))
}

// SendTyping emits a typing signal. Fire-and-forget: silently a no-op while
// disconnected, failures are logged and swallowed.
func (c *Client) SendTyping(key models.ConversationKey) {
	c.sendBestEffort(wireTyping, key)
}

// StopTyping emits an explicit stop-typing signal with the same semantics.
func (c *Client) StopTyping(key models.ConversationKey) {
	c.sendBestEffort(wireStopTyping, key)
}

func (c *Client) sendBestEffort(event string, key models.ConversationKey) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		return
	}
	if err := c.writeEvent(conn, event, refFromKey(key)); err != nil {
		log.Printf("realtime: %s signal dropped: %v", event, err)
	}
}

// establish runs the bounded dial loop, adopting the first successful
// connection. Every failed attempt is surfaced as a connect-error event for
// passive observers; the final failure is also returned to the caller. The
// generation pins the loop to the lifecycle that started it: an explicit
// Disconnect advances the counter and the loop stops without adopting,
// closing any connection its in-flight dial produced.
func (c *Client) establish(ctx context.Context, generation uint64) error {
	attempts := c.options.ConnectAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if c.staleGeneration(generation) {
			return nil
		}
		conn, err := c.dial(ctx)
		if err == nil {
			if c.adopt(conn, generation) {
				return nil
			}
			// Disconnect won the race while the dial was in flight.
			_ = conn.Close()
			return nil
		}

		lastErr = err
		c.dispatcher.Publish(Event{Kind: EventConnectError, Err: err})

		if attempt == attempts {
			break
		}
		delay := time.Duration(attempt) * c.options.ReconnectDelay
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.settleDisconnected(generation)
			return ctx.Err()
		}
	}

	c.settleDisconnected(generation)
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, attempts, lastErr)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.options.Session.Credential()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer cancel()

	conn, _, err := c.options.Dialer.DialContext(dialCtx, c.options.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", c.options.URL, err)
	}

	if err := c.awaitAck(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.credential = token
	c.mu.Unlock()
	return conn, nil
}

// awaitAck reads the gateway's connect acknowledgement. The connection is
// not considered established until the ack confirms the authenticated user.
func (c *Client) awaitAck(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.options.DialTimeout)); err != nil {
		return fmt.Errorf("set ack deadline: %w", err)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read connect ack: %w", err)
	}
	event, data, err := DecodeEvent(frame)
	if err != nil {
		return err
	}
	if event != string(EventConnect) {
		return fmt.Errorf("expected %q ack, got %q", EventConnect, event)
	}

	var ack ConnectAck
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return fmt.Errorf("decode connect ack: %w", err)
		}
	}
	c.mu.Lock()
	expected := c.userID
	c.mu.Unlock()
	if ack.UserID != 0 && expected != 0 && ack.UserID != expected {
		return fmt.Errorf("gateway authenticated user %d, expected %d", ack.UserID, expected)
	}
	return nil
}

func (c *Client) adopt(conn *websocket.Conn, expected uint64) bool {
	c.mu.Lock()
	if c.generation != expected {
		c.mu.Unlock()
		return false
	}
	if old := c.conn; old != nil {
		_ = old.Close()
	}
	c.conn = conn
	c.generation++
	generation := c.generation
	c.state = StateConnected

	// Replay order: joins active before the drop first, then the queue built
	// up while disconnected, each exactly once.
	replay := mergeKeys(c.joined, c.pendingJoins)
	c.joined = replay
	c.pendingJoins = nil

	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancelWatch = cancel
	c.mu.Unlock()

	for _, key := range replay {
		if err := c.writeEvent(conn, wireJoinConversation, refFromKey(key)); err != nil {
			log.Printf("realtime: replay join %s failed: %v", key, err)
		}
	}

	c.wg.Add(2)
	go c.readLoop(conn, generation)
	go c.credentialLoop(watchCtx, generation)

	c.dispatcher.Publish(Event{Kind: EventConnect})
	return true
}

func (c *Client) staleGeneration(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != generation
}

// settleDisconnected records the terminal state of a failed connect loop,
// unless a newer lifecycle has taken over in the meantime.
func (c *Client) settleDisconnected(generation uint64) {
	c.mu.Lock()
	if c.generation == generation {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, generation uint64) {
	defer c.wg.Done()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleReadFailure(conn, generation, err)
			return
		}

		event, data, err := DecodeEvent(frame)
		if err != nil {
			log.Printf("realtime: dropping malformed frame: %v", err)
			continue
		}
		kind, ok := pushEventKind(event)
		if !ok {
			continue
		}
		c.dispatcher.Publish(Event{Kind: kind, Data: data})
	}
}

// handleReadFailure drives the automatic reconnect after an unexpected drop.
// A user-initiated Disconnect bumps the generation first, which makes this a
// no-op for the stale read loop.
func (c *Client) handleReadFailure(conn *websocket.Conn, generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	// Active joins return to the queue for replay by the next connection.
	c.pendingJoins = mergeKeys(c.joined, c.pendingJoins)
	c.joined = nil
	reconnectGeneration := c.generation
	c.mu.Unlock()

	_ = conn.Close()
	c.dispatcher.Publish(Event{Kind: EventDisconnect})
	log.Printf("realtime: connection lost, reconnecting: %v", cause)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.establish(context.Background(), reconnectGeneration); err != nil {
			log.Printf("realtime: reconnect failed: %v", err)
		}
	}()
}

// credentialLoop watches the session store for credential rotation and
// transparently re-establishes the connection when it changes. Expired
// credentials are only logged; the host owns the refresh.
func (c *Client) credentialLoop(ctx context.Context, generation uint64) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.CredentialCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			token, err := c.options.Session.Credential()
			if err != nil {
				continue
			}

			c.mu.Lock()
			stale := c.generation != generation
			current := c.credential
			conn := c.conn
			c.mu.Unlock()
			if stale {
				return
			}
			if token == current {
				if expiry, err := session.TokenExpiry(token); err == nil && time.Now().After(expiry) {
					log.Printf("realtime: credential expired at %s, waiting for rotation", expiry.Format(time.RFC3339))
				}
				continue
			}

			log.Printf("realtime: credential rotated, re-establishing connection")
			if conn != nil {
				// Closing the transport routes through handleReadFailure,
				// which re-queues joins and dials with the new credential.
				_ = conn.Close()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) writeEvent(conn *websocket.Conn, event string, payload any) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %q: %w", event, err)
	}
	return nil
}

func containsKey(keys []models.ConversationKey, key models.ConversationKey) bool {
	for _, existing := range keys {
		if existing == key {
			return true
		}
	}
	return false
}

func removeKey(keys []models.ConversationKey, key models.ConversationKey) []models.ConversationKey {
	for i, existing := range keys {
		if existing == key {
			return append(keys[:i:i], keys[i+1:]...)
		}
	}
	return keys
}

func mergeKeys(first, second []models.ConversationKey) []models.ConversationKey {
	merged := append([]models.ConversationKey(nil), first...)
	for _, key := range second {
		if !containsKey(merged, key) {
			merged = append(merged, key)
		}
	}
	return merged
}
