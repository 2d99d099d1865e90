package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryBindLookupUnbind(t *testing.T) {
	r := NewMemoryRegistry(30 * time.Second)
	ctx := context.Background()
	user, conn := uuid.New(), uuid.New()

	gws, err := r.Lookup(ctx, user)
	require.NoError(t, err)
	require.Empty(t, gws)

	require.NoError(t, r.Bind(ctx, user, "gw-a", conn))
	gws, err = r.Lookup(ctx, user)
	require.NoError(t, err)
	require.Equal(t, []string{"gw-a"}, gws)

	require.NoError(t, r.Unbind(ctx, user, "gw-a", conn))
	gws, err = r.Lookup(ctx, user)
	require.NoError(t, err)
	require.Empty(t, gws)
}

func TestMemoryDedupesGateways(t *testing.T) {
	r := NewMemoryRegistry(30 * time.Second)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, r.Bind(ctx, user, "gw-a", uuid.New()))
	require.NoError(t, r.Bind(ctx, user, "gw-a", uuid.New()))
	require.NoError(t, r.Bind(ctx, user, "gw-b", uuid.New()))

	gws, err := r.Lookup(ctx, user)
	require.NoError(t, err)
	require.Len(t, gws, 2)
}

func TestMemoryUserOfflineAfterLastUnbind(t *testing.T) {
	r := NewMemoryRegistry(30 * time.Second)
	ctx := context.Background()
	user := uuid.New()
	c1, c2 := uuid.New(), uuid.New()

	require.NoError(t, r.Bind(ctx, user, "gw-a", c1))
	require.NoError(t, r.Bind(ctx, user, "gw-b", c2))

	require.NoError(t, r.Unbind(ctx, user, "gw-a", c1))
	online, err := r.FilterOnline(ctx, []uuid.UUID{user})
	require.NoError(t, err)
	require.Len(t, online, 1)

	require.NoError(t, r.Unbind(ctx, user, "gw-b", c2))
	online, err = r.FilterOnline(ctx, []uuid.UUID{user})
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestMemoryExpiresStaleHeartbeats(t *testing.T) {
	// TTL = heartbeat * 3 = 30ms.
	r := NewMemoryRegistry(10 * time.Millisecond)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, r.Bind(ctx, user, "gw-a", uuid.New()))
	time.Sleep(50 * time.Millisecond)

	gws, err := r.Lookup(ctx, user)
	require.NoError(t, err)
	require.Empty(t, gws, "binding should evaporate after missed heartbeats")
}

func TestMemoryFilterOnlinePreservesOrder(t *testing.T) {
	r := NewMemoryRegistry(30 * time.Second)
	ctx := context.Background()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, r.Bind(ctx, u3, "gw-a", uuid.New()))
	require.NoError(t, r.Bind(ctx, u1, "gw-a", uuid.New()))

	online, err := r.FilterOnline(ctx, []uuid.UUID{u1, u2, u3})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{u1, u3}, online)
}
