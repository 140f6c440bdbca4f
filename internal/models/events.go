package models

import "encoding/json"

// ClientEvent is one inbound frame on the websocket. A single connection
// multiplexes every event type; fields beyond Type are scoped per type.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content,omitempty"`
	IsTyping       bool            `json:"isTyping"`
	MessageSeq     int64           `json:"messageSeq,omitempty"`
}

type ClientEventType string

const (
	ClientEventMessage            ClientEventType = "message"
	ClientEventTyping             ClientEventType = "typing"
	ClientEventReadReceipt        ClientEventType = "read_receipt"
	ClientEventActiveConversation ClientEventType = "active_conversation"
)

// ServerEvent is the outbound envelope: {"type": ..., "data": {...}}.
type ServerEvent struct {
	Type ServerEventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ServerEventType string

const (
	ServerEventMessage     ServerEventType = "message"
	ServerEventTyping      ServerEventType = "typing"
	ServerEventReadReceipt ServerEventType = "read_receipt"
	ServerEventUserStatus  ServerEventType = "user_status"
	ServerEventError       ServerEventType = "error"
)

type TypingData struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadReceiptData struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
	MessageSeq     int64  `json:"messageSeq"`
}

type UserStatusData struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewServerEvent marshals data into the outbound envelope. Marshalling our
// own event payloads cannot fail, so errors are swallowed here.
func NewServerEvent(t ServerEventType, data any) ServerEvent {
	raw, _ := json.Marshal(data)
	return ServerEvent{Type: t, Data: raw}
}
