package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"trenerka/internal/chat"
	"trenerka/internal/models"
	"trenerka/internal/presence"
	"trenerka/internal/ws"
)

type API struct {
	auth     ws.Authenticator
	chat     *chat.Service
	presence *presence.Tracker
	registry *ws.Registry
}

func New(auth ws.Authenticator, chatService *chat.Service, tracker *presence.Tracker, registry *ws.Registry) *API {
	return &API{
		auth:     auth,
		chat:     chatService,
		presence: tracker,
		registry: registry,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the bearer credential and passes the identity on.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Identify(a.getToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, identity)
	}
}

type createConversationRequest struct {
	Kind           models.ConversationKind `json:"kind"`
	Name           string                  `json:"name"`
	ParticipantIDs []string                `json:"participantIds"`
}

func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, identity string) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, created, err := a.chat.CreateConversation(identity, req.Kind, req.ParticipantIDs, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (a *API) ListConversationsHandler(w http.ResponseWriter, r *http.Request, identity string) {
	summaries, err := a.chat.ListConversations(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (a *API) GetConversationHandler(w http.ResponseWriter, r *http.Request, identity string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := a.chat.GetConversation(identity, r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (a *API) PostMessageHandler(w http.ResponseWriter, r *http.Request, identity string) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conversationID := r.PathValue("id")
	msg, receipts, err := a.chat.PostMessage(identity, conversationID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	// The sender has the stored message in the response; everyone else gets
	// it pushed.
	a.registry.PushToConversation(conversationID, models.NewServerEvent(models.ServerEventMessage, msg), identity)
	for _, receipt := range receipts {
		a.registry.PushToConversation(conversationID, models.NewServerEvent(models.ServerEventReadReceipt, receipt), "")
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request, identity string) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conversationID := r.PathValue("id")
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := a.chat.EditMessage(identity, conversationID, seq, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	a.registry.PushToConversation(conversationID, models.NewServerEvent(models.ServerEventMessage, msg), identity)
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request, identity string) {
	conversationID := r.PathValue("id")
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := a.chat.DeleteMessage(identity, conversationID, seq)
	if err != nil {
		writeError(w, err)
		return
	}

	a.registry.PushToConversation(conversationID, models.NewServerEvent(models.ServerEventMessage, msg), identity)
	w.WriteHeader(http.StatusNoContent)
}

type addParticipantRequest struct {
	Identity string `json:"identity"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (a *API) AddParticipantHandler(w http.ResponseWriter, r *http.Request, identity string) {
	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	participant, err := a.chat.AddParticipant(identity, r.PathValue("id"), req.Identity, req.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, participant)
}

func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request, identity string) {
	online := a.presence.ListOnline()
	statuses := make([]models.UserStatusData, 0, len(online))
	for _, p := range online {
		statuses = append(statuses, models.UserStatusData{
			Identity: p.Identity,
			Online:   p.Online,
			LastSeen: p.LastSeen.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrAuthFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrTransient):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
