package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"trenerka/internal/api"
	"trenerka/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversations", handlers.RequireAuth(handlers.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations", handlers.RequireAuth(handlers.ListConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}", handlers.RequireAuth(handlers.GetConversationHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", handlers.RequireAuth(handlers.PostMessageHandler))
	mux.HandleFunc("PATCH /api/conversations/{id}/messages/{seq}", handlers.RequireAuth(handlers.EditMessageHandler))
	mux.HandleFunc("DELETE /api/conversations/{id}/messages/{seq}", handlers.RequireAuth(handlers.DeleteMessageHandler))
	mux.HandleFunc("POST /api/conversations/{id}/participants", handlers.RequireAuth(handlers.AddParticipantHandler))
	mux.HandleFunc("GET /api/users/online", handlers.RequireAuth(handlers.OnlineUsersHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the routed mux, mainly for tests that serve it on an
// ephemeral listener.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
