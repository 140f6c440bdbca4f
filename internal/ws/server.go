package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trenerka/internal/models"
)

// Authenticator is the boundary to the external authentication collaborator:
// it maps an opaque bearer credential to an identity.
type Authenticator interface {
	Identify(token string) (string, error)
}

type lifecycleTracker interface {
	MarkConnected(identity string)
	MarkDisconnected(identity string)
	ListOnline() []models.Presence
}

type Server struct {
	auth     Authenticator
	registry *Registry
	router   *Router
	presence lifecycleTracker
	upgrader *websocket.Upgrader
}

func NewServer(auth Authenticator, registry *Registry, router *Router, presence lifecycleTracker) *Server {
	return &Server{
		auth:     auth,
		registry: registry,
		router:   router,
		presence: presence,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades the request and serves the connection until it
// closes. A missing or invalid credential closes the socket with an
// authentication-failure code before any registration happens.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}

	identity, err := s.auth.Identify(token)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	s.presence.MarkConnected(identity)
	defer s.presence.MarkDisconnected(identity)

	// The implicit presence query: a fresh connection starts with a
	// user_status snapshot of everyone currently online.
	var greeting []models.ServerEvent
	for _, p := range s.presence.ListOnline() {
		greeting = append(greeting, models.NewServerEvent(models.ServerEventUserStatus, models.UserStatusData{
			Identity: p.Identity,
			Online:   p.Online,
			LastSeen: p.LastSeen.Unix(),
		}))
	}

	conn := NewConnection(s.registry, s.router, ws, identity, greeting)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Info("connection closed", "identity", identity, "error", err)
	}
}
