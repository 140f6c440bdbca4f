package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trenerka/internal/models"
)

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type connectionHub interface {
	Register(identity string) (string, chan models.ServerEvent)
	Unregister(identity, connID string)
	PushToIdentity(identity string, ev models.ServerEvent)
	PushToConversation(conversationID string, ev models.ServerEvent, excludeIdentity string)
}

type eventRouter interface {
	Handle(identity string, ev models.ClientEvent) ([]Push, error)
}

// Connection serves one live websocket: a read pump feeding inbound frames
// into the main loop, which multiplexes them with server pushes onto the
// single socket. Inbound frames are processed strictly in arrival order.
type Connection struct {
	ws         wsConn
	hub        connectionHub
	router     eventRouter
	identity   string
	connID     string
	greeting   []models.ServerEvent
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub connectionHub,
	router eventRouter,
	ws wsConn,
	identity string,
	greeting []models.ServerEvent,
) *Connection {
	connID, fromServer := hub.Register(identity)
	return &Connection{
		ws:         ws,
		hub:        hub,
		router:     router,
		identity:   identity,
		connID:     connID,
		greeting:   greeting,
		fromClient: make(chan models.ClientEvent),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Unregister(c.identity, c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	if errors.Is(err, models.ErrProtocol) {
		// Malformed frames close the connection with a protocol-error code.
		msg := websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "malformed frame")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var ev models.ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("%w: %v", models.ErrProtocol, err)
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for _, ev := range c.greeting {
		if err := c.ws.WriteJSON(ev); err != nil {
			return err
		}
	}

	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent runs the router on one frame and applies its fan-out.
// Typed domain errors are surfaced as an error event to this connection
// only; they never close it.
func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	pushes, err := c.router.Handle(c.identity, ev)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		return c.ws.WriteJSON(models.NewServerEvent(models.ServerEventError, models.ErrorData{
			Message: err.Error(),
		}))
	}

	for _, push := range pushes {
		if push.ConversationID != "" {
			c.hub.PushToConversation(push.ConversationID, push.Event, push.ExcludeIdentity)
		} else if push.Identity != "" {
			c.hub.PushToIdentity(push.Identity, push.Event)
		}
	}
	return nil
}
