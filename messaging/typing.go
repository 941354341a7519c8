package messaging

import (
	"sync"
	"time"

	"marketchat/models"
)

const (
	// remoteTypingExpiry is how long a received typing signal stays active
	// without a refresh; no explicit stop is required.
	remoteTypingExpiry = 3 * time.Second
	// localTypingIdle is the input inactivity window after which a
	// stop-typing is auto-emitted.
	localTypingIdle = time.Second
)

// typingTracker holds ephemeral typing state per conversation. Never
// persisted; has no bearing on registry invariants.
type typingTracker struct {
	mu     sync.Mutex
	expiry time.Duration
	timers map[models.ConversationKey]*time.Timer
}

func newTypingTracker(expiry time.Duration) *typingTracker {
	if expiry <= 0 {
		expiry = remoteTypingExpiry
	}
	return &typingTracker{
		expiry: expiry,
		timers: make(map[models.ConversationKey]*time.Timer),
	}
}

// set marks a conversation as having an actively typing counterpart,
// resetting the expiry on each new signal.
func (t *typingTracker) set(key models.ConversationKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.expiry)
		return
	}
	t.timers[key] = time.AfterFunc(t.expiry, func() {
		t.clear(key)
	})
}

// clear removes the typing state immediately.
func (t *typingTracker) clear(key models.ConversationKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

// active reports whether the counterpart is currently typing.
func (t *typingTracker) active(key models.ConversationKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// stopAll cancels every timer; used on service shutdown.
func (t *typingTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

// localTyping debounces outbound typing signals: the first keystroke emits
// typing, continued activity refreshes the idle timer, and one second of
// silence emits stop-typing.
type localTyping struct {
	mu     sync.Mutex
	idle   time.Duration
	timers map[models.ConversationKey]*time.Timer
	stop   func(models.ConversationKey)
	start  func(models.ConversationKey)
}

func newLocalTyping(idle time.Duration, start, stop func(models.ConversationKey)) *localTyping {
	if idle <= 0 {
		idle = localTypingIdle
	}
	return &localTyping{
		idle:   idle,
		timers: make(map[models.ConversationKey]*time.Timer),
		start:  start,
		stop:   stop,
	}
}

// note records local input activity for a conversation.
func (l *localTyping) note(key models.ConversationKey) {
	l.mu.Lock()
	timer, running := l.timers[key]
	if running {
		timer.Reset(l.idle)
		l.mu.Unlock()
		return
	}
	l.timers[key] = time.AfterFunc(l.idle, func() {
		l.mu.Lock()
		delete(l.timers, key)
		l.mu.Unlock()
		l.stop(key)
	})
	l.mu.Unlock()

	l.start(key)
}

func (l *localTyping) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, timer := range l.timers {
		timer.Stop()
		delete(l.timers, key)
	}
}
