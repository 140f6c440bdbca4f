// Package presence tracks which identities currently have live connections
// and which conversation each one has open in the foreground. State is
// process-local and ephemeral: a restart forgets everything.
package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"trenerka/internal/models"
)

type entry struct {
	conns      int
	online     bool
	lastSeen   time.Time
	activeConv string
	graceTimer *clock.Timer
}

// Tracker is the per-process presence map. An identity goes online on its
// first connection and offline only after its last connection closes and the
// grace window elapses without a reconnect, so rapid reconnects do not flap
// presence broadcasts.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	grace   time.Duration
	entries map[string]*entry
	subs    map[int]func(models.Presence)
	nextSub int
}

func NewTracker(clk clock.Clock, grace time.Duration) *Tracker {
	return &Tracker{
		clock:   clk,
		grace:   grace,
		entries: make(map[string]*entry),
		subs:    make(map[int]func(models.Presence)),
	}
}

// OnChange registers a callback invoked on every online/offline transition.
// Returns an unsubscribe function.
func (t *Tracker) OnChange(fn func(models.Presence)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// MarkConnected records a new live connection for the identity. A pending
// grace timer is canceled, so reconnecting within the window produces no
// offline/online broadcast pair.
func (t *Tracker) MarkConnected(identity string) {
	t.mu.Lock()

	e, ok := t.entries[identity]
	if !ok {
		e = &entry{}
		t.entries[identity] = e
	}
	e.conns++
	e.lastSeen = t.clock.Now()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}

	if e.online {
		t.mu.Unlock()
		return
	}
	e.online = true
	snapshot := t.snapshotLocked(identity, e)
	subs := t.subsLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// MarkDisconnected records a closed connection. When the last connection for
// the identity is gone, the offline transition is scheduled after the grace
// window instead of firing immediately.
func (t *Tracker) MarkDisconnected(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identity]
	if !ok || e.conns == 0 {
		return
	}
	e.conns--
	e.lastSeen = t.clock.Now()
	if e.conns > 0 {
		return
	}

	// No connection is displaying anything anymore; only the online flag
	// rides out the grace window.
	e.activeConv = ""

	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.graceTimer = t.clock.AfterFunc(t.grace, func() {
		t.expire(identity)
	})
}

func (t *Tracker) expire(identity string) {
	t.mu.Lock()

	e, ok := t.entries[identity]
	if !ok || e.conns > 0 || !e.online {
		t.mu.Unlock()
		return
	}
	e.online = false
	e.activeConv = ""
	e.graceTimer = nil
	snapshot := t.snapshotLocked(identity, e)
	subs := t.subsLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// SetActiveConversation records which conversation the identity has open in
// its foreground view. Pass the empty string when no conversation is open.
func (t *Tracker) SetActiveConversation(identity, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[identity]; ok && e.online {
		e.activeConv = conversationID
	}
}

// ActiveConversation returns the conversation the identity currently has in
// the foreground, if any.
func (t *Tracker) ActiveConversation(identity string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identity]
	if !ok || !e.online || e.activeConv == "" {
		return "", false
	}
	return e.activeConv, true
}

// IsOnline reports whether the identity has at least one live connection
// (or is still within the disconnect grace window).
func (t *Tracker) IsOnline(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[identity]
	return ok && e.online
}

// ListOnline returns a presence snapshot for every online identity.
func (t *Tracker) ListOnline() []models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []models.Presence
	for identity, e := range t.entries {
		if e.online {
			result = append(result, t.snapshotLocked(identity, e))
		}
	}
	return result
}

func (t *Tracker) snapshotLocked(identity string, e *entry) models.Presence {
	return models.Presence{
		Identity:             identity,
		Online:               e.online,
		LastSeen:             e.lastSeen,
		ActiveConversationID: e.activeConv,
	}
}

func (t *Tracker) subsLocked() []func(models.Presence) {
	subs := make([]func(models.Presence), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}
