package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// Hubber defines the gateway for user session management and event routing.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(userID, connID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
	Kick(userID uuid.UUID, class string, keep uuid.UUID, ev event.Eventer) int
	Stats() model.HubStats
	Shutdown()
}

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
}

// Hub implements a scalable local registry using the Virtual Cell pattern.
type Hub struct {
	// cells stores Map[uuid.UUID]Celler. Optimized for read-heavy workloads.
	cells  sync.Map
	config hubConfig
	doneCh chan struct{}
	once   sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			evictionInterval: 15 * time.Minute,
			idleTimeout:      30 * time.Minute,
			mailboxSize:      2048,
		},
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func (h *Hub) IsConnected(userID uuid.UUID) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	return ok && cell.SessionCount() > 0
}

// Broadcast routes the event to the recipient's cell. Returns false on miss
// or mailbox overflow; overflow is not an error, the durable outbox and the
// resync path cover it.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register ensures idempotent cell creation and attaches a new transport.
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	for {
		// [LAZY_INIT] Create cell only when the first connection arrives.
		if val, ok := h.cells.Load(uID); ok {
			if cell, ok := val.(Celler); ok {
				cell.Attach(conn)
				return
			}
		}

		cell := NewCell(uID, h.config.mailboxSize)
		if actual, loaded := h.cells.LoadOrStore(uID, Celler(cell)); loaded {
			// Lost the creation race; discard ours and retry against the winner.
			cell.Stop()
			if winner, ok := actual.(Celler); ok {
				winner.Attach(conn)
				return
			}
			continue
		}
		cell.Attach(conn)
		return
	}
}

// Unregister reclaims resources when a session ends. If no sessions remain,
// the cell is purged from memory.
func (h *Hub) Unregister(userID, connID uuid.UUID) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok && cell != nil {
			if cell.Detach(connID) {
				cell.Stop()
				h.cells.Delete(userID)
			}
		}
	}
}

// Kick evicts the user's sessions of the given device class, sparing 'keep'.
func (h *Hub) Kick(userID uuid.UUID, class string, keep uuid.UUID, ev event.Eventer) int {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok && cell != nil {
			return cell.EvictClass(class, keep, ev)
		}
	}
	return 0
}

func (h *Hub) Stats() model.HubStats {
	var st model.HubStats
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(*Cell); ok {
			st.ActiveUsers++
			st.ActiveSessions += cell.SessionCount()
			st.DroppedEvents += cell.Dropped()
		}
		return true
	})
	return st
}

// janitor periodically reclaims cells that have been idle with no sessions.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell != nil && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops all actor goroutines.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.doneCh) })
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok && cell != nil {
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}
