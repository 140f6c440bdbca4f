package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"trenerka/internal/api"
	"trenerka/internal/auth"
	"trenerka/internal/chat"
	"trenerka/internal/config"
	"trenerka/internal/http"
	"trenerka/internal/models"
	"trenerka/internal/presence"
	"trenerka/internal/storage"
	"trenerka/internal/typing"
	"trenerka/internal/ws"
)

func run(ctx context.Context) error {
	devIdentities := flag.String("dev-identities", "", "Comma-separated identities to grant tokens for at startup (development only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService := auth.NewService(ctx, cfg.TokenExpiry)
	if *devIdentities != "" {
		for _, identity := range strings.Split(*devIdentities, ",") {
			token, err := authService.Grant(strings.TrimSpace(identity))
			if err != nil {
				return err
			}
			fmt.Printf("token for %s: %s\n", identity, token)
		}
	}

	clk := clock.New()
	tracker := presence.NewTracker(clk, cfg.PresenceGrace)
	chatService := chat.NewService(bbStorage, tracker, cfg.MaxMessageLength)
	registry := ws.NewRegistry(chatService, cfg.ConnectionBacklog)

	typingCoord := typing.NewCoordinator(clk, cfg.TypingTTL, func(td models.TypingData) {
		registry.PushToConversation(td.ConversationID,
			models.NewServerEvent(models.ServerEventTyping, td), td.Identity)
	})

	// Presence transitions fan out to everyone else who is connected, and an
	// identity going offline drops its dangling typing indicators.
	tracker.OnChange(func(p models.Presence) {
		if !p.Online {
			typingCoord.ClearIdentity(p.Identity)
		}
		registry.Broadcast(models.NewServerEvent(models.ServerEventUserStatus, models.UserStatusData{
			Identity: p.Identity,
			Online:   p.Online,
			LastSeen: p.LastSeen.Unix(),
		}), p.Identity)
	})

	router := ws.NewRouter(chatService, tracker, typingCoord)
	wsServer := ws.NewServer(authService, registry, router, tracker)
	handlers := api.New(authService, chatService, tracker, registry)
	apiServer := http.NewAPIServer(handlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
