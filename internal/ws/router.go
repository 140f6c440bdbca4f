package ws

import (
	"errors"
	"fmt"
	"log/slog"

	"trenerka/internal/models"
)

// Push is one fan-out instruction produced by the router. Exactly one of
// Identity or ConversationID is set.
type Push struct {
	Identity        string
	ConversationID  string
	ExcludeIdentity string
	Event           models.ServerEvent
}

// messageStore is the slice of the chat service the router calls into.
type messageStore interface {
	PostMessage(identity, conversationID, content string) (models.Message, []models.ReadReceiptData, error)
	MarkRead(identity, conversationID string, upToSeq int64) (bool, error)
	IsParticipant(identity, conversationID string) bool
}

type presenceTracker interface {
	SetActiveConversation(identity, conversationID string)
	ListOnline() []models.Presence
}

type typingCoordinator interface {
	SetTyping(conversationID, identity string, isTyping bool)
}

// Router turns one inbound frame into persistence calls plus a set of
// outbound pushes. It is a plain dispatch table over event types and holds
// no connection state, so it is testable without a socket.
type Router struct {
	handlers map[models.ClientEventType]func(identity string, ev models.ClientEvent) ([]Push, error)
}

func NewRouter(store messageStore, presence presenceTracker, typing typingCoordinator) *Router {
	r := &Router{}
	r.handlers = map[models.ClientEventType]func(string, models.ClientEvent) ([]Push, error){
		models.ClientEventMessage: func(identity string, ev models.ClientEvent) ([]Push, error) {
			msg, receipts, err := store.PostMessage(identity, ev.ConversationID, ev.Content)
			if err != nil {
				return nil, err
			}
			// Stop the sender's typing indicator: sending is an implicit stop.
			typing.SetTyping(ev.ConversationID, identity, false)

			// The sender's own connections receive the message too, so other
			// open tabs stay in sync.
			pushes := []Push{{
				ConversationID: ev.ConversationID,
				Event:          models.NewServerEvent(models.ServerEventMessage, msg),
			}}
			for _, receipt := range receipts {
				pushes = append(pushes, Push{
					ConversationID: ev.ConversationID,
					Event:          models.NewServerEvent(models.ServerEventReadReceipt, receipt),
				})
			}
			return pushes, nil
		},

		models.ClientEventTyping: func(identity string, ev models.ClientEvent) ([]Push, error) {
			if !store.IsParticipant(identity, ev.ConversationID) {
				return nil, fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
			}
			// Broadcasts fire through the coordinator's own callback, only
			// on edge transitions.
			typing.SetTyping(ev.ConversationID, identity, ev.IsTyping)
			return nil, nil
		},

		models.ClientEventReadReceipt: func(identity string, ev models.ClientEvent) ([]Push, error) {
			advanced, err := store.MarkRead(identity, ev.ConversationID, ev.MessageSeq)
			if err != nil {
				return nil, err
			}
			if !advanced {
				return nil, nil
			}
			return []Push{{
				ConversationID: ev.ConversationID,
				Event: models.NewServerEvent(models.ServerEventReadReceipt, models.ReadReceiptData{
					ConversationID: ev.ConversationID,
					Identity:       identity,
					MessageSeq:     ev.MessageSeq,
				}),
			}}, nil
		},

		models.ClientEventActiveConversation: func(identity string, ev models.ClientEvent) ([]Push, error) {
			if ev.ConversationID != "" && !store.IsParticipant(identity, ev.ConversationID) {
				return nil, fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
			}
			presence.SetActiveConversation(identity, ev.ConversationID)
			return nil, nil
		},
	}
	return r
}

// Handle dispatches one inbound frame. Unrecognized event types are logged
// and ignored, never fatal to the connection.
func (r *Router) Handle(identity string, ev models.ClientEvent) ([]Push, error) {
	handler, ok := r.handlers[ev.Type]
	if !ok {
		slog.Warn("ignoring unknown event type", "identity", identity, "type", ev.Type)
		return nil, nil
	}
	return handler(identity, ev)
}

// IsFatal reports whether the error must close the connection rather than
// be surfaced as an error event.
func IsFatal(err error) bool {
	return errors.Is(err, models.ErrProtocol) || errors.Is(err, models.ErrAuthFailed)
}
