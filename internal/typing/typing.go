// Package typing holds the short-lived typing indicator state. An indicator
// set by a keystroke signal expires on its own after the TTL; clients are
// not required to send an explicit stop.
package typing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"trenerka/internal/models"
)

type key struct {
	conversationID string
	identity       string
}

// Coordinator owns the (conversation, identity) typing timers. The broadcast
// callback fires only on edge transitions: repeated keystroke signals while
// already typing just reset the TTL.
type Coordinator struct {
	mu        sync.Mutex
	clock     clock.Clock
	ttl       time.Duration
	timers    map[key]*clock.Timer
	broadcast func(models.TypingData)
}

func NewCoordinator(clk clock.Clock, ttl time.Duration, broadcast func(models.TypingData)) *Coordinator {
	return &Coordinator{
		clock:     clk,
		ttl:       ttl,
		timers:    make(map[key]*clock.Timer),
		broadcast: broadcast,
	}
}

// SetTyping updates the indicator for the pair. An explicit isTyping=false
// (message sent, input cleared) cancels the timer and broadcasts right away.
func (c *Coordinator) SetTyping(conversationID, identity string, isTyping bool) {
	k := key{conversationID, identity}

	c.mu.Lock()
	timer, active := c.timers[k]

	switch {
	case isTyping && active:
		timer.Reset(c.ttl)
		c.mu.Unlock()
		return
	case isTyping:
		c.timers[k] = c.clock.AfterFunc(c.ttl, func() {
			c.expire(k)
		})
	case active:
		timer.Stop()
		delete(c.timers, k)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.broadcast(models.TypingData{
		ConversationID: conversationID,
		Identity:       identity,
		IsTyping:       isTyping,
	})
}

// IsTyping reports whether the identity currently shows as typing in the
// conversation.
func (c *Coordinator) IsTyping(conversationID, identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.timers[key{conversationID, identity}]
	return ok
}

// ClearIdentity drops every pending indicator for the identity, broadcasting
// typing=false for each. Used when the identity goes offline.
func (c *Coordinator) ClearIdentity(identity string) {
	c.mu.Lock()
	var cleared []key
	for k, timer := range c.timers {
		if k.identity == identity {
			timer.Stop()
			delete(c.timers, k)
			cleared = append(cleared, k)
		}
	}
	c.mu.Unlock()

	for _, k := range cleared {
		c.broadcast(models.TypingData{
			ConversationID: k.conversationID,
			Identity:       k.identity,
			IsTyping:       false,
		})
	}
}

func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	if _, ok := c.timers[k]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.timers, k)
	c.mu.Unlock()

	c.broadcast(models.TypingData{
		ConversationID: k.conversationID,
		Identity:       k.identity,
		IsTyping:       false,
	})
}
