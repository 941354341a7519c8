package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/models"
	"marketchat/session"
)

const testToken = "test-bearer-token"

type receivedFrame struct {
	Event string
	Data  json.RawMessage
}

// gatewayServer is a minimal in-process stand-in for the push gateway: it
// authenticates the upgrade request, sends the connect ack, and records
// every frame the client writes.
type gatewayServer struct {
	t         *testing.T
	server    *httptest.Server
	upgrader  websocket.Upgrader
	ackUserID int

	frames chan receivedFrame
	conns  chan *websocket.Conn
	auths  chan string

	mu     sync.Mutex
	tokens []string
	gate   chan struct{}
	closed []*websocket.Conn
}

func newGatewayServer(t *testing.T, ackUserID int) *gatewayServer {
	t.Helper()

	gateway := &gatewayServer{
		t:         t,
		ackUserID: ackUserID,
		frames:    make(chan receivedFrame, 64),
		conns:     make(chan *websocket.Conn, 8),
		auths:     make(chan string, 8),
		tokens:    []string{testToken},
	}
	gateway.server = httptest.NewServer(http.HandlerFunc(gateway.handle))
	t.Cleanup(gateway.Close)
	return gateway
}

// acceptToken adds a bearer token to the accepted set, for rotation tests.
func (g *gatewayServer) acceptToken(token string) {
	g.mu.Lock()
	g.tokens = append(g.tokens, token)
	g.mu.Unlock()
}

// holdUpgrades makes subsequent upgrade requests block until the returned
// release function is called.
func (g *gatewayServer) holdUpgrades() func() {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gate = gate
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.gate = nil
			g.mu.Unlock()
			close(gate)
		})
	}
}

func (g *gatewayServer) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	accepted := append([]string(nil), g.tokens...)
	gate := g.gate
	g.mu.Unlock()

	auth := r.Header.Get("Authorization")
	authorized := false
	for _, token := range accepted {
		if auth == "Bearer "+token {
			authorized = true
		}
	}
	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if gate != nil {
		<-gate
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.closed = append(g.closed, conn)
	g.mu.Unlock()

	ack, err := EncodeEvent(string(EventConnect), ConnectAck{UserID: g.ackUserID, ProtocolVersion: ProtocolVersion})
	if err != nil {
		g.t.Errorf("encode ack: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		return
	}
	g.auths <- auth
	g.conns <- conn

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		event, data, err := DecodeEvent(frame)
		if err != nil {
			g.t.Errorf("server received malformed frame: %v", err)
			continue
		}
		g.frames <- receivedFrame{Event: event, Data: data}
	}
}

func (g *gatewayServer) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gatewayServer) Close() {
	g.mu.Lock()
	for _, conn := range g.closed {
		_ = conn.Close()
	}
	g.closed = nil
	g.mu.Unlock()
	g.server.Close()
}

func (g *gatewayServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received a connection")
		return nil
	}
}

func (g *gatewayServer) waitAuth(t *testing.T) string {
	t.Helper()
	select {
	case auth := <-g.auths:
		return auth
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received an authorized upgrade")
		return ""
	}
}

func (g *gatewayServer) waitFrame(t *testing.T) receivedFrame {
	t.Helper()
	select {
	case frame := <-g.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received a frame")
		return receivedFrame{}
	}
}

func (g *gatewayServer) pushEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		t.Fatalf("encode push: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write push: %v", err)
	}
}

func newTestClient(t *testing.T, url string, dispatcher *Dispatcher) *Client {
	t.Helper()
	client, err := NewClient(Options{
		URL:             url,
		Session:         session.Static{Token: testToken, User: 7},
		Dispatcher:      dispatcher,
		ConnectAttempts: 2,
		ReconnectDelay:  10 * time.Millisecond,
		DialTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("event never dispatched")
		return Event{}
	}
}

func decodeRef(t *testing.T, data json.RawMessage) ConversationRef {
	t.Helper()
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		t.Fatalf("decode conversation ref: %v", err)
	}
	return ref
}

func TestConnectEstablishesAndDispatchesConnect(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	connects := make(chan Event, 1)
	dispatcher.Subscribe(EventConnect, func(event Event) { connects <- event })

	client := newTestClient(t, gateway.URL(), dispatcher)
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
	waitEvent(t, connects)

	// A second Connect while connected is a no-op.
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("repeat Connect: %v", err)
	}
}

func TestConnectFailsWithoutCredential(t *testing.T) {
	client, err := NewClient(Options{
		URL:        "ws://127.0.0.1:0",
		Session:    session.Static{},
		Dispatcher: NewDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Connect(context.Background(), 7); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if got := client.State(); got != StateDisconnected {
		t.Fatalf("state = %s after auth failure, want %s", got, StateDisconnected)
	}
}

func TestConnectExhaustsBoundedAttempts(t *testing.T) {
	// A server that rejects the credential fails every upgrade.
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	var attemptErrors []error
	dispatcher.Subscribe(EventConnectError, func(event Event) {
		attemptErrors = append(attemptErrors, event.Err)
	})

	client, err := NewClient(Options{
		URL:             gateway.URL(),
		Session:         session.Static{Token: "rotated-away", User: 7},
		Dispatcher:      dispatcher,
		ConnectAttempts: 3,
		ReconnectDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Connect(context.Background(), 7); !errors.Is(err, ErrConnectExhausted) {
		t.Fatalf("expected ErrConnectExhausted, got %v", err)
	}
	if len(attemptErrors) != 3 {
		t.Fatalf("expected 3 connect-error events, got %d", len(attemptErrors))
	}
	if got := client.State(); got != StateDisconnected {
		t.Fatalf("state = %s after exhaustion, want %s", got, StateDisconnected)
	}
}

func TestConnectRejectsWrongUserAck(t *testing.T) {
	gateway := newGatewayServer(t, 999)
	client := newTestClient(t, gateway.URL(), NewDispatcher())

	if err := client.Connect(context.Background(), 7); !errors.Is(err, ErrConnectExhausted) {
		t.Fatalf("expected exhaustion after ack mismatch, got %v", err)
	}
}

func TestQueuedJoinsReplayInOrderExactlyOnce(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	client := newTestClient(t, gateway.URL(), NewDispatcher())

	first := models.ConversationKey{CounterpartID: 42}
	second := models.ConversationKey{CounterpartID: 42, ListingContextID: "listing-9"}

	// Queued while disconnected; duplicates collapse.
	if err := client.JoinConversation(first); err != nil {
		t.Fatalf("queue first join: %v", err)
	}
	if err := client.JoinConversation(second); err != nil {
		t.Fatalf("queue second join: %v", err)
	}
	if err := client.JoinConversation(first); err != nil {
		t.Fatalf("queue duplicate join: %v", err)
	}

	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	frame := gateway.waitFrame(t)
	if frame.Event != "join-conversation" {
		t.Fatalf("first replay event = %q", frame.Event)
	}
	if ref := decodeRef(t, frame.Data); ref.CounterpartID != 42 || ref.ListingContextID != "" {
		t.Fatalf("first replay ref = %+v, want counterpart 42", ref)
	}

	frame = gateway.waitFrame(t)
	if frame.Event != "join-conversation" {
		t.Fatalf("second replay event = %q", frame.Event)
	}
	if ref := decodeRef(t, frame.Data); ref.ListingContextID != "listing-9" {
		t.Fatalf("second replay ref = %+v, want listing-9", ref)
	}

	select {
	case frame := <-gateway.frames:
		t.Fatalf("unexpected extra frame %q after replay", frame.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLeaveDropsQueuedJoin(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	client := newTestClient(t, gateway.URL(), NewDispatcher())

	key := models.ConversationKey{CounterpartID: 42}
	if err := client.JoinConversation(key); err != nil {
		t.Fatalf("queue join: %v", err)
	}
	if err := client.LeaveConversation(key); err != nil {
		t.Fatalf("drop queued join: %v", err)
	}

	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case frame := <-gateway.frames:
		t.Fatalf("unexpected frame %q, the queued join was dropped", frame.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushEventsFanOutThroughDispatcher(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	messages := make(chan Event, 1)
	dispatcher.Subscribe(EventNewMessage, func(event Event) { messages <- event })

	client := newTestClient(t, gateway.URL(), dispatcher)
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn := gateway.waitConn(t)
	gateway.pushEvent(t, conn, string(EventNewMessage), map[string]any{"id": 10, "body": "hello"})

	event := waitEvent(t, messages)
	var payload struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		t.Fatalf("decode dispatched payload: %v", err)
	}
	if payload.ID != 10 || payload.Body != "hello" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestUnknownPushEventsAreDropped(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	messages := make(chan Event, 2)
	dispatcher.Subscribe(EventNewMessage, func(event Event) { messages <- event })

	client := newTestClient(t, gateway.URL(), dispatcher)
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn := gateway.waitConn(t)
	gateway.pushEvent(t, conn, "mystery-event", map[string]any{"id": 1})
	gateway.pushEvent(t, conn, string(EventNewMessage), map[string]any{"id": 2})

	event := waitEvent(t, messages)
	var payload struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != 2 {
		t.Fatalf("expected only the known event, got id %d", payload.ID)
	}
}

func TestReconnectAfterDropReplaysActiveJoins(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	disconnects := make(chan Event, 1)
	reconnects := make(chan Event, 2)
	dispatcher.Subscribe(EventDisconnect, func(event Event) { disconnects <- event })
	dispatcher.Subscribe(EventConnect, func(event Event) { reconnects <- event })

	client := newTestClient(t, gateway.URL(), dispatcher)
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, reconnects)

	key := models.ConversationKey{CounterpartID: 42}
	if err := client.JoinConversation(key); err != nil {
		t.Fatalf("join: %v", err)
	}
	frame := gateway.waitFrame(t)
	if frame.Event != "join-conversation" {
		t.Fatalf("join event = %q", frame.Event)
	}

	// Server-side drop: the client must reconnect and replay the join.
	conn := gateway.waitConn(t)
	_ = conn.Close()

	waitEvent(t, disconnects)
	waitEvent(t, reconnects)

	frame = gateway.waitFrame(t)
	if frame.Event != "join-conversation" {
		t.Fatalf("replayed event = %q", frame.Event)
	}
	if ref := decodeRef(t, frame.Data); ref.CounterpartID != 42 {
		t.Fatalf("replayed ref = %+v", ref)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("state = %s after reconnect, want %s", got, StateConnected)
	}
}

// rotatingSource is a session source whose token the test can swap, the way
// the host rewrites session.json after a token refresh.
type rotatingSource struct {
	mu    sync.Mutex
	token string
	user  int
}

func (r *rotatingSource) Credential() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return "", session.ErrNoCredential
	}
	return r.token, nil
}

func (r *rotatingSource) UserID() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user, nil
}

func (r *rotatingSource) rotate(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

func TestCredentialRotationReestablishesConnection(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	connects := make(chan Event, 2)
	disconnects := make(chan Event, 2)
	dispatcher.Subscribe(EventConnect, func(event Event) { connects <- event })
	dispatcher.Subscribe(EventDisconnect, func(event Event) { disconnects <- event })

	source := &rotatingSource{token: testToken, user: 7}
	client, err := NewClient(Options{
		URL:                     gateway.URL(),
		Session:                 source,
		Dispatcher:              dispatcher,
		ConnectAttempts:         2,
		ReconnectDelay:          10 * time.Millisecond,
		DialTimeout:             5 * time.Second,
		CredentialCheckInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Disconnect)

	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, connects)
	if auth := gateway.waitAuth(t); auth != "Bearer "+testToken {
		t.Fatalf("initial auth = %q", auth)
	}
	gateway.waitConn(t)

	key := models.ConversationKey{CounterpartID: 42}
	if err := client.JoinConversation(key); err != nil {
		t.Fatalf("join: %v", err)
	}
	if frame := gateway.waitFrame(t); frame.Event != "join-conversation" {
		t.Fatalf("join event = %q", frame.Event)
	}

	// The host refreshes the token; the watcher must tear the old transport
	// down and dial again with the new bearer credential.
	gateway.acceptToken("rotated-token")
	source.rotate("rotated-token")

	waitEvent(t, disconnects)
	waitEvent(t, connects)

	if auth := gateway.waitAuth(t); auth != "Bearer rotated-token" {
		t.Fatalf("re-dial auth = %q, want rotated token", auth)
	}
	frame := gateway.waitFrame(t)
	if frame.Event != "join-conversation" {
		t.Fatalf("replayed event = %q", frame.Event)
	}
	if ref := decodeRef(t, frame.Data); ref.CounterpartID != 42 {
		t.Fatalf("replayed ref = %+v", ref)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("state = %s after rotation, want %s", got, StateConnected)
	}
}

func TestDisconnectDuringReconnectSticks(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	dispatcher := NewDispatcher()

	connects := make(chan Event, 2)
	disconnects := make(chan Event, 2)
	dispatcher.Subscribe(EventConnect, func(event Event) { connects <- event })
	dispatcher.Subscribe(EventDisconnect, func(event Event) { disconnects <- event })

	client := newTestClient(t, gateway.URL(), dispatcher)
	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, connects)
	conn := gateway.waitConn(t)

	// Hold the reconnect dial open, then drop the connection server-side to
	// start the automatic reconnect.
	release := gateway.holdUpgrades()
	defer release()
	_ = conn.Close()
	waitEvent(t, disconnects)

	done := make(chan struct{})
	go func() {
		client.Disconnect()
		close(done)
	}()

	// Give Disconnect time to advance the lifecycle, then let the held dial
	// complete; the produced connection must not be adopted.
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect never returned while a reconnect was in flight")
	}
	if got := client.State(); got != StateDisconnected {
		t.Fatalf("state = %s after explicit Disconnect, want %s", got, StateDisconnected)
	}
	select {
	case <-connects:
		t.Fatal("connection adopted after explicit Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	client := newTestClient(t, gateway.URL(), NewDispatcher())

	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.Disconnect()
	client.Disconnect()

	if got := client.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestTypingSignalsAreBestEffort(t *testing.T) {
	gateway := newGatewayServer(t, 7)
	client := newTestClient(t, gateway.URL(), NewDispatcher())

	key := models.ConversationKey{CounterpartID: 42}

	// While disconnected the signals are silently dropped.
	client.SendTyping(key)
	client.StopTyping(key)

	if err := client.Connect(context.Background(), 7); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client.SendTyping(key)
	if frame := gateway.waitFrame(t); frame.Event != "typing" {
		t.Fatalf("event = %q, want typing", frame.Event)
	}
	client.StopTyping(key)
	if frame := gateway.waitFrame(t); frame.Event != "stop-typing" {
		t.Fatalf("event = %q, want stop-typing", frame.Event)
	}
}
