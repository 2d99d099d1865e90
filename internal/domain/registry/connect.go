package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/event"
)

// Interface guard
var _ Connector = (*handle)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (REGISTRY/HUB)
// This allows mocking and decoupling from the concrete implementation.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() uuid.UUID
	GetDeviceClass() string
	Send(ev event.Eventer, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan event.Eventer
	Close() // Terminate connection and release resources
}

// ConnectMetadata is exported for the transport and analytics layers.
type ConnectMetadata struct {
	DeviceClass string
	RemoteIP    string
	UserAgent   string
}

// connect is the pooled state behind a handle, unexported to force
// interface usage.
type connect struct {
	// mu guards gen, closed and the mutable session state below. The
	// generation increments on every pool reuse, so a handle from a
	// previous life can be detected and refused.
	mu       sync.Mutex
	gen      uint64
	closed   bool
	metadata ConnectMetadata
	ctx      context.Context
	cancelFn context.CancelFunc
	sendCh   chan event.Eventer

	createdAt      time.Time
	lastActivityAt int64 // atomic
	droppedCount   uint64
}

// handle is one acquisition of a pooled connect. Identity fields are
// copied at acquisition time: after the object is recycled, a stale handle
// still reports its own session id, never the successor's.
type handle struct {
	c      *connect
	gen    uint64
	id     uuid.UUID
	userID uuid.UUID
	class  string
	recvCh chan event.Eventer
}

// [POOL] SYNC.POOL FOR OBJECT REUSE (REDUCES GC PRESSURE)
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector acquires a pooled connector bound to the request context.
func NewConnector(ctx context.Context, userID uuid.UUID, meta ConnectMetadata, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	return c.reset(ctx, userID, meta, bufferSize)
}

// reset re-initializes the pooled state for a new session and hands out the
// handle that owns it. Bumping the generation invalidates every handle from
// the object's previous life.
func (c *connect) reset(ctx context.Context, userID uuid.UUID, meta ConnectMetadata, bufferSize int) *handle {
	childCtx, cancel := context.WithCancel(ctx)
	ch := make(chan event.Eventer, bufferSize)

	c.mu.Lock()
	c.gen++
	c.closed = false
	c.metadata = meta
	c.ctx = childCtx
	c.cancelFn = cancel
	c.sendCh = ch
	c.createdAt = time.Now()
	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
	h := &handle{
		c:      c,
		gen:    c.gen,
		id:     uuid.New(),
		userID: userID,
		class:  meta.DeviceClass,
		recvCh: ch,
	}
	c.mu.Unlock()
	return h
}

func (h *handle) GetID() uuid.UUID       { return h.id }
func (h *handle) GetUserID() uuid.UUID   { return h.userID }
func (h *handle) GetDeviceClass() string { return h.class }

// Recv returns the mailbox as it was at acquisition. The channel is closed
// on release, so consumers observe !ok instead of a nil channel.
func (h *handle) Recv() <-chan event.Eventer { return h.recvCh }

// Send attempts to push an event into the session mailbox.
// Waits up to 'timeout' for space, which smooths out transient jitter;
// persistent saturation falls through to the backpressure path.
func (h *handle) Send(ev event.Eventer, timeout time.Duration) bool {
	c := h.c
	c.mu.Lock()
	// A handle that outlived its session must not write into whatever
	// session owns the pooled object now.
	if c.gen != h.gen || c.closed {
		c.mu.Unlock()
		return false
	}
	ctx, sendCh := c.ctx, c.sendCh
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	// Abort immediately if the underlying transport is already dead.
	case <-ctx.Done():
		return false

	case sendCh <- ev:
		return true

	// Buffer stayed saturated for the whole window: slow consumer.
	case <-waitCtx.Done():
		return c.handleBackpressure(sendCh, ev, timeout)
	}
}

// handleBackpressure manages full buffers by dropping low-priority events.
func (c *connect) handleBackpressure(sendCh chan event.Eventer, ev event.Eventer, timeout time.Duration) bool {
	// Low-priority inbound is dropped immediately to save buffer space for
	// high-priority traffic.
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	// Try to evict one existing low-priority event to make room.
	select {
	case oldEv := <-sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			sendCh <- ev
			return true
		}
		// The existing event was also high priority, put it back (best effort).
		select {
		case sendCh <- oldEv:
		default:
		}
	case <-time.After(timeout):
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

// Close terminates the session, triggers cleanup, and recycles the object.
// A handle from a previous life of the pooled object is a no-op, so a late
// deferred Close cannot tear down an unrelated fresh session.
func (h *handle) Close() {
	c := h.c
	c.mu.Lock()
	if c.gen != h.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, sendCh := c.cancelFn, c.sendCh

	// Drop references so nothing is retained while idle in the pool.
	c.cancelFn = nil
	c.sendCh = nil
	c.metadata = ConnectMetadata{}
	c.mu.Unlock()

	cancel()

	// Closing the channel signals the transport pump (via !ok) to send a
	// final close frame and exit the loop gracefully.
	close(sendCh)

	connectPool.Put(c)
}
