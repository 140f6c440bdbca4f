package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"trenerka/internal/models"
)

// ParticipantResolver resolves the current participants of a conversation
// for fan-out.
type ParticipantResolver interface {
	Participants(conversationID string) ([]string, error)
}

// Registry maps an identity to its live connections. An identity may hold
// several open sessions (two browser tabs); every push goes to all of them.
// Delivery is best-effort: a full or missing channel is dropped, never
// blocks the caller, and the client recovers state on its next poll.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]map[string]chan models.ServerEvent
	backlog      int
	participants ParticipantResolver
}

func NewRegistry(participants ParticipantResolver, backlog int) *Registry {
	if backlog <= 0 {
		backlog = 100
	}
	return &Registry{
		conns:        make(map[string]map[string]chan models.ServerEvent),
		backlog:      backlog,
		participants: participants,
	}
}

// Register adds a connection for the identity and returns its handle id and
// the channel server events are pushed onto.
func (r *Registry) Register(identity string) (string, chan models.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := uuid.NewString()
	ch := make(chan models.ServerEvent, r.backlog)
	if r.conns[identity] == nil {
		r.conns[identity] = make(map[string]chan models.ServerEvent)
	}
	r.conns[identity][connID] = ch
	return connID, ch
}

// Unregister removes a connection. The channel is closed so a pending
// writer loop drains out.
func (r *Registry) Unregister(identity, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConn, ok := r.conns[identity]
	if !ok {
		return
	}
	if ch, ok := byConn[connID]; ok {
		close(ch)
		delete(byConn, connID)
	}
	if len(byConn) == 0 {
		delete(r.conns, identity)
	}
}

// Connections reports how many live connections the identity has.
func (r *Registry) Connections(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identity])
}

// PushToIdentity delivers the event to every live connection of the
// identity. No-ops silently if it has none.
func (r *Registry) PushToIdentity(identity string, ev models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, ch := range r.conns[identity] {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event on slow connection",
				"identity", identity, "conn_id", connID, "type", ev.Type)
		}
	}
}

// PushToConversation delivers the event to every current participant of the
// conversation, skipping excludeIdentity when non-empty.
func (r *Registry) PushToConversation(conversationID string, ev models.ServerEvent, excludeIdentity string) {
	identities, err := r.participants.Participants(conversationID)
	if err != nil {
		slog.Warn("fan-out failed to resolve participants",
			"conversation_id", conversationID, "error", err)
		return
	}
	for _, identity := range identities {
		if identity == excludeIdentity {
			continue
		}
		r.PushToIdentity(identity, ev)
	}
}

// Broadcast delivers the event to every connected identity except
// excludeIdentity.
func (r *Registry) Broadcast(ev models.ServerEvent, excludeIdentity string) {
	r.mu.RLock()
	identities := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		if identity != excludeIdentity {
			identities = append(identities, identity)
		}
	}
	r.mu.RUnlock()

	for _, identity := range identities {
		r.PushToIdentity(identity, ev)
	}
}
