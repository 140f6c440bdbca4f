// Package client is the connection-side counterpart of the messaging core:
// it keeps one websocket session alive, reconnecting on unexpected close
// with capped exponential backoff and jitter, one attempt in flight at a
// time.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"trenerka/internal/models"
)

type Config struct {
	URL             string
	Token           string
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	activeConv string

	events chan models.ServerEvent
}

func New(cfg Config) *Client {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		events: make(chan models.ServerEvent, 100),
	}
}

// Events is the stream of server events across reconnects. It is closed
// when Run returns.
func (c *Client) Events() <-chan models.ServerEvent {
	return c.events
}

// Run connects and serves the session until ctx is canceled. Every
// unexpected close schedules a reconnect; a successful reconnect resets the
// backoff to its base interval and re-announces the active conversation so
// server-side unread suppression resumes.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval
	policy.MaxElapsedTime = 0 // retry until canceled

	for {
		if err := c.connect(ctx); err != nil {
			wait := policy.NextBackOff()
			slog.Info("reconnect scheduled", "wait", wait, "error", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		policy.Reset()
		c.resumeState()

		err := c.readLoop(ctx)
		c.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("connection lost", "error", err)
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("token", c.cfg.Token)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev models.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("discarding undecodable server event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// resumeState replays the foreground view after a reconnect.
func (c *Client) resumeState() {
	c.mu.Lock()
	activeConv := c.activeConv
	c.mu.Unlock()

	if activeConv != "" {
		_ = c.send(models.ClientEvent{
			Type:           models.ClientEventActiveConversation,
			ConversationID: activeConv,
		})
	}
}

// SendMessage posts a message into the conversation.
func (c *Client) SendMessage(conversationID, content string) error {
	return c.send(models.ClientEvent{
		Type:           models.ClientEventMessage,
		ConversationID: conversationID,
		Content:        content,
	})
}

// SetTyping signals the typing indicator for the conversation.
func (c *Client) SetTyping(conversationID string, isTyping bool) error {
	return c.send(models.ClientEvent{
		Type:           models.ClientEventTyping,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// SendReadReceipt acknowledges messages up to seq.
func (c *Client) SendReadReceipt(conversationID string, seq int64) error {
	return c.send(models.ClientEvent{
		Type:           models.ClientEventReadReceipt,
		ConversationID: conversationID,
		MessageSeq:     seq,
	})
}

// SetActiveConversation announces the foreground conversation. The value is
// remembered and replayed after every reconnect.
func (c *Client) SetActiveConversation(conversationID string) error {
	c.mu.Lock()
	c.activeConv = conversationID
	c.mu.Unlock()

	return c.send(models.ClientEvent{
		Type:           models.ClientEventActiveConversation,
		ConversationID: conversationID,
	})
}

func (c *Client) send(ev models.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("%w: not connected", models.ErrTransient)
	}
	return c.conn.WriteJSON(ev)
}
