// Package chat implements the conversation and message lifecycle on top of
// the bbolt store: creation with direct-conversation dedupe, the single
// serialized write path for message sequence ids, soft deletes, and the
// unread/read-receipt bookkeeping.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trenerka/internal/content"
	"trenerka/internal/models"
	"trenerka/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// PresenceView is the read-only slice of the presence tracker the service
// needs to decide whether a participant sees a message live.
type PresenceView interface {
	ActiveConversation(identity string) (string, bool)
}

type Service struct {
	storage  *storage.BboltStorage
	presence PresenceView
	maxLen   int
	now      func() time.Time
}

func NewService(st *storage.BboltStorage, presence PresenceView, maxMessageLength int) *Service {
	return &Service{
		storage:  st,
		presence: presence,
		maxLen:   maxMessageLength,
		now:      time.Now,
	}
}

// CreateConversation creates a direct or group conversation. Creating a
// direct conversation between two identities that already share one returns
// the existing conversation; the second return value reports whether a new
// one was created. The requester is always a participant and is the admin
// of a new group.
func (s *Service) CreateConversation(requester string, kind models.ConversationKind, participantIDs []string, name string) (models.Conversation, bool, error) {
	seen := map[string]bool{requester: true}
	identities := []string{requester}
	for _, id := range participantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		identities = append(identities, id)
	}

	switch kind {
	case models.ConversationKindDirect:
		if len(identities) != 2 {
			return models.Conversation{}, false, fmt.Errorf("%w: a direct conversation needs exactly 2 participants", models.ErrInvalidArgument)
		}
		name = ""
	case models.ConversationKindGroup:
		name = strings.TrimSpace(content.Sanitize(name))
		if name == "" {
			return models.Conversation{}, false, fmt.Errorf("%w: a group conversation needs a name", models.ErrInvalidArgument)
		}
		if len(identities) < 2 {
			return models.Conversation{}, false, fmt.Errorf("%w: a group conversation needs at least one other member", models.ErrInvalidArgument)
		}
	default:
		return models.Conversation{}, false, fmt.Errorf("%w: unknown conversation kind %q", models.ErrInvalidArgument, kind)
	}

	now := s.now()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		CreatedAt: now,
	}
	for _, identity := range identities {
		conv.Participants = append(conv.Participants, models.Participant{
			Identity: identity,
			JoinedAt: now,
			IsAdmin:  identity == requester,
		})
	}

	return s.storage.CreateConversation(conv)
}

// ListConversations returns the identity's conversations ordered by most
// recent activity, annotated with a last-message preview and the identity's
// unread count.
func (s *Service) ListConversations(identity string) ([]models.ConversationSummary, error) {
	convs, err := s.storage.ListConversations(identity)
	if err != nil {
		return nil, err
	}

	result := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := models.ConversationSummary{Conversation: conv}

		if conv.LastSeq > 0 {
			page, err := s.storage.ListMessages(conv.ID, 1, 0)
			if err != nil {
				return nil, err
			}
			if len(page) > 0 {
				summary.LastMessage = &page[0]
			}
		}

		summary.UnreadCount, err = s.storage.UnreadCount(conv.ID, identity)
		if err != nil {
			return nil, err
		}
		result = append(result, summary)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivity.After(result[j].LastActivity)
	})
	return result, nil
}

// GetConversation returns conversation metadata plus one page of messages,
// oldest to newest within the page. Offset counts back from the newest
// message. Fetching the latest page marks it read.
func (s *Service) GetConversation(identity, conversationID string, limit, offset int) (models.ConversationPage, error) {
	conv, err := s.authorize(identity, conversationID)
	if err != nil {
		return models.ConversationPage{}, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	page := models.ConversationPage{Conversation: conv}
	page.Messages, err = s.storage.ListMessages(conversationID, limit, offset)
	if err != nil {
		return models.ConversationPage{}, err
	}
	page.UnreadCount, err = s.storage.UnreadCount(conversationID, identity)
	if err != nil {
		return models.ConversationPage{}, err
	}

	// Viewing the page acknowledges it.
	if n := len(page.Messages); n > 0 {
		if _, err := s.storage.MarkRead(conversationID, identity, page.Messages[n-1].Seq); err != nil {
			return models.ConversationPage{}, err
		}
	}

	return page, nil
}

// PostMessage persists a message with the next sequence id for the
// conversation and returns it together with auto read-receipts for
// participants who had the conversation open when it arrived. It must run
// to completion even if the posting connection is already gone, so it takes
// no context.
func (s *Service) PostMessage(identity, conversationID, text string) (models.Message, []models.ReadReceiptData, error) {
	conv, err := s.authorize(identity, conversationID)
	if err != nil {
		return models.Message{}, nil, err
	}

	cleaned, err := content.ValidateMessage(text, s.maxLen)
	if err != nil {
		return models.Message{}, nil, err
	}

	liveViewers := make(map[string]bool)
	for _, p := range conv.Participants {
		if p.Identity == identity {
			continue
		}
		if active, ok := s.presence.ActiveConversation(p.Identity); ok && active == conversationID {
			liveViewers[p.Identity] = true
		}
	}

	msg, advanced, err := s.storage.AppendMessage(conversationID, identity, cleaned, s.now(), liveViewers)
	if err != nil {
		return models.Message{}, nil, err
	}

	receipts := make([]models.ReadReceiptData, 0, len(advanced))
	for _, viewer := range advanced {
		receipts = append(receipts, models.ReadReceiptData{
			ConversationID: conversationID,
			Identity:       viewer,
			MessageSeq:     msg.Seq,
		})
	}
	return msg, receipts, nil
}

// EditMessage replaces the content of the identity's own message and stamps
// it edited.
func (s *Service) EditMessage(identity, conversationID string, seq int64, text string) (models.Message, error) {
	if _, err := s.authorize(identity, conversationID); err != nil {
		return models.Message{}, err
	}
	cleaned, err := content.ValidateMessage(text, s.maxLen)
	if err != nil {
		return models.Message{}, err
	}
	return s.storage.EditMessage(conversationID, seq, identity, cleaned, s.now())
}

// DeleteMessage tombstones the identity's own message, keeping its sequence
// id in place.
func (s *Service) DeleteMessage(identity, conversationID string, seq int64) (models.Message, error) {
	if _, err := s.authorize(identity, conversationID); err != nil {
		return models.Message{}, err
	}
	return s.storage.DeleteMessage(conversationID, seq, identity)
}

// MarkRead advances the identity's read watermark. Receipts are monotonic:
// marks behind the current watermark are a silent no-op and the returned
// bool is false.
func (s *Service) MarkRead(identity, conversationID string, upToSeq int64) (bool, error) {
	if _, err := s.authorize(identity, conversationID); err != nil {
		return false, err
	}
	return s.storage.MarkRead(conversationID, identity, upToSeq)
}

// AddParticipant adds an identity to a group conversation on behalf of an
// admin.
func (s *Service) AddParticipant(requester, conversationID, identity string, isAdmin bool) (models.Participant, error) {
	if identity == "" {
		return models.Participant{}, fmt.Errorf("%w: identity is empty", models.ErrInvalidArgument)
	}
	return s.storage.AddParticipant(conversationID, requester, identity, isAdmin, s.now())
}

// Participants resolves the current participant identities of a
// conversation. Used by the connection registry for fan-out.
func (s *Service) Participants(conversationID string) ([]string, error) {
	conv, err := s.storage.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	identities := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		identities = append(identities, p.Identity)
	}
	return identities, nil
}

// IsParticipant reports whether the identity belongs to the conversation.
func (s *Service) IsParticipant(identity, conversationID string) bool {
	_, err := s.authorize(identity, conversationID)
	return err == nil
}

func (s *Service) authorize(identity, conversationID string) (models.Conversation, error) {
	conv, err := s.storage.GetConversation(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(identity) {
		return models.Conversation{}, fmt.Errorf("%w: not a participant of this conversation", models.ErrForbidden)
	}
	return conv, nil
}
