/*
Package registry provides the node-local event distribution layer based on
the Actor Model.

Key Architectural Concepts:
  - Virtual Cells: Every connected user is represented by an isolated 'Cell'
    (Actor) that encapsulates all concurrent sessions (WebSocket connections)
    for that identity.
  - Decoupling & Backpressure: Per-user mailboxes ensure that slow network
    consumers do not block global system throughput; the bus dispatcher never
    waits on a socket write.
  - Computational Efficiency: Events are marshaled into the wire format once
    per node, leveraging the event's internal cache.
  - Concurrency Management: Lock-free lookups via sync.Map, fine-grained
    locking inside individual cells.
*/
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/event"
)

// Celler defines the internal API for user-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	EvictClass(class string, keep uuid.UUID, ev event.Eventer) int
	SessionCount() int
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell implements isolated delivery for a single user.
type Cell struct {
	// The unique identifier of the user managed by this actor instance.
	userID uuid.UUID

	// [MAILBOX]
	// Buffered channel that decouples the global dispatcher from individual
	// delivery. Acts as a shock absorber: slow consumer latency never
	// propagates back to the Hub or the bus consumers.
	mailbox chan event.Eventer

	// [SESSIONS]
	// Registry of all active transports for the user. Allows multiplexing a
	// single event to multiple devices (mobile, web, desktop).
	sessions map[uuid.UUID]Connector

	// RWMutex because read-heavy delivery outnumbers registration events.
	mu sync.RWMutex

	// Signaling channel used to terminate the background goroutine.
	doneCh   chan struct{}
	stopOnce sync.Once

	lastActivityAt time.Time
	dropped        atomic.Uint64
}

func NewCell(userID uuid.UUID, bufferSize int) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan event.Eventer, bufferSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle returns true if the user has no active sessions and hasn't received
// events lately.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev event.Eventer) bool {
	c.touch() // Keep alive on incoming events
	select {
	case c.mailbox <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes a session and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// EvictClass closes every session of the given device class except 'keep'.
// The kick event is pushed directly to the victim transports before they
// close, bypassing the mailbox so it cannot be lost behind queued traffic.
// Returns the number of evicted sessions.
func (c *Cell) EvictClass(class string, keep uuid.UUID, ev event.Eventer) int {
	c.mu.Lock()
	var victims []Connector
	for id, conn := range c.sessions {
		if id == keep || conn.GetDeviceClass() != class {
			continue
		}
		victims = append(victims, conn)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, conn := range victims {
		conn.Send(ev, time.Millisecond*500)
		conn.Close()
	}
	return len(victims)
}

func (c *Cell) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) Dropped() uint64 { return c.dropped.Load() }

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sessions) == 0 {
		return
	}

	for _, conn := range c.sessions {
		if !conn.Send(ev, time.Millisecond*500) {
			c.dropped.Add(1)
		}
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
