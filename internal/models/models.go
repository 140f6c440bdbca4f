package models

import "time"

type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

// Participant is a membership record inside a conversation.
type Participant struct {
	Identity string    `json:"identity"`
	JoinedAt time.Time `json:"joinedAt"`
	IsAdmin  bool      `json:"isAdmin"`
}

// Conversation is a direct or group chat thread.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastActivity time.Time        `json:"lastActivity"`
	LastSeq      int64            `json:"lastSeq"`
}

func (c *Conversation) HasParticipant(identity string) bool {
	for _, p := range c.Participants {
		if p.Identity == identity {
			return true
		}
	}
	return false
}

// Message is a single chat message. Seq is assigned by the store and is
// strictly increasing and gap-free within a conversation.
type Message struct {
	Seq            int64      `json:"seq"`
	ConversationID string     `json:"conversationId"`
	Sender         string     `json:"sender"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	IsEdited       bool       `json:"isEdited"`
	IsDeleted      bool       `json:"isDeleted"`
}

// ConversationSummary annotates a conversation for the list view.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int64    `json:"unreadCount"`
}

// ConversationPage is one page of a conversation's history, oldest first
// within the page. Offset counts back from the newest message.
type ConversationPage struct {
	Conversation
	Messages    []Message `json:"messages"`
	UnreadCount int64     `json:"unreadCount"`
}

// Presence is the ephemeral online state of an identity.
type Presence struct {
	Identity             string    `json:"identity"`
	Online               bool      `json:"online"`
	LastSeen             time.Time `json:"lastSeen"`
	ActiveConversationID string    `json:"activeConversationId,omitempty"`
}
