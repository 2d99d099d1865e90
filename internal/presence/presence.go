// Package presence tracks which gateway nodes currently hold connections
// for each user. A user is online iff their gateway set is non-empty.
// Writes happen on the node owning the connection; reads cross nodes.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Registry is the live mapping of users to gateway instances.
type Registry interface {
	// Bind records a new connection on connect.
	Bind(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error
	// Unbind removes a connection on disconnect; the user becomes offline
	// only when the set drains.
	Unbind(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error
	// Touch refreshes liveness on heartbeat.
	Touch(ctx context.Context, userID uuid.UUID, gatewayID string, connID uuid.UUID) error
	// Lookup returns the gateway identifiers currently holding connections.
	Lookup(ctx context.Context, userID uuid.UUID) ([]string, error)
	// FilterOnline narrows users to the online subset, preserving order.
	FilterOnline(ctx context.Context, users []uuid.UUID) ([]uuid.UUID, error)
}

// entryTTL derives the record expiry from the heartbeat interval: three
// missed heartbeats and the binding evaporates even if Unbind never ran
// (crashed gateway).
func entryTTL(heartbeat time.Duration) time.Duration {
	return heartbeat * 3
}
