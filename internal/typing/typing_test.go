package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"trenerka/internal/models"
)

type broadcastLog struct {
	mu     sync.Mutex
	events []models.TypingData
}

func (l *broadcastLog) record(td models.TypingData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, td)
}

func (l *broadcastLog) snapshot() []models.TypingData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TypingData(nil), l.events...)
}

const ttl = 3 * time.Second

func TestCoordinator_TTLExpiry(t *testing.T) {
	mock := clock.NewMock()
	log := &broadcastLog{}
	coord := NewCoordinator(mock, ttl, log.record)

	coord.SetTyping("conv1", "alice", true)
	events := log.snapshot()
	if len(events) != 1 || !events[0].IsTyping {
		t.Fatalf("expected one typing=true broadcast, got %+v", events)
	}
	if !coord.IsTyping("conv1", "alice") {
		t.Error("expected alice typing")
	}

	// No refresh, no explicit stop: the indicator reverts on its own.
	mock.Add(ttl)
	events = log.snapshot()
	if len(events) != 2 || events[1].IsTyping {
		t.Fatalf("expected typing=false after TTL, got %+v", events)
	}
	if coord.IsTyping("conv1", "alice") {
		t.Error("expected alice no longer typing")
	}
}

func TestCoordinator_KeystrokesDoNotRebroadcast(t *testing.T) {
	mock := clock.NewMock()
	log := &broadcastLog{}
	coord := NewCoordinator(mock, ttl, log.record)

	coord.SetTyping("conv1", "alice", true)
	mock.Add(2 * time.Second)
	coord.SetTyping("conv1", "alice", true) // keystroke refresh
	mock.Add(2 * time.Second)

	// 4s since the first signal but only 2s since the refresh.
	if !coord.IsTyping("conv1", "alice") {
		t.Error("expected refresh to extend the TTL")
	}
	if len(log.snapshot()) != 1 {
		t.Errorf("expected a single broadcast across refreshes, got %+v", log.snapshot())
	}

	mock.Add(1 * time.Second)
	events := log.snapshot()
	if len(events) != 2 || events[1].IsTyping {
		t.Fatalf("expected expiry after extended TTL, got %+v", events)
	}
}

func TestCoordinator_ExplicitStop(t *testing.T) {
	mock := clock.NewMock()
	log := &broadcastLog{}
	coord := NewCoordinator(mock, ttl, log.record)

	coord.SetTyping("conv1", "alice", true)
	coord.SetTyping("conv1", "alice", false)

	events := log.snapshot()
	if len(events) != 2 || events[1].IsTyping {
		t.Fatalf("expected immediate typing=false, got %+v", events)
	}

	// The canceled timer must not fire a second false.
	mock.Add(2 * ttl)
	if len(log.snapshot()) != 2 {
		t.Errorf("expected no further broadcasts, got %+v", log.snapshot())
	}

	// A stop without prior typing is a no-op.
	coord.SetTyping("conv1", "bob", false)
	if len(log.snapshot()) != 2 {
		t.Errorf("expected no broadcast for redundant stop, got %+v", log.snapshot())
	}
}

func TestCoordinator_ClearIdentity(t *testing.T) {
	mock := clock.NewMock()
	log := &broadcastLog{}
	coord := NewCoordinator(mock, ttl, log.record)

	coord.SetTyping("conv1", "alice", true)
	coord.SetTyping("conv2", "alice", true)
	coord.SetTyping("conv1", "bob", true)

	coord.ClearIdentity("alice")

	if coord.IsTyping("conv1", "alice") || coord.IsTyping("conv2", "alice") {
		t.Error("expected alice's indicators cleared")
	}
	if !coord.IsTyping("conv1", "bob") {
		t.Error("expected bob's indicator untouched")
	}

	var stops int
	for _, ev := range log.snapshot() {
		if ev.Identity == "alice" && !ev.IsTyping {
			stops++
		}
	}
	if stops != 2 {
		t.Errorf("expected typing=false for both of alice's conversations, got %+v", log.snapshot())
	}
}
