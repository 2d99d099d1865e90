package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeReserver struct {
	counters map[uuid.UUID]int64
	calls    int
	err      error
}

func (f *fakeReserver) ReserveSeqBlock(_ context.Context, channelID uuid.UUID, n int64) (int64, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.calls++
	if f.counters == nil {
		f.counters = make(map[uuid.UUID]int64)
	}
	first := f.counters[channelID] + 1
	f.counters[channelID] += n
	return first, f.counters[channelID], nil
}

func TestAllocatorBatchedOptIn(t *testing.T) {
	batched := uuid.New()
	a := NewAllocator(&fakeReserver{}, 4, []uuid.UUID{batched})

	require.True(t, a.Batched(batched))
	require.False(t, a.Batched(uuid.New()))
}

func TestAllocatorHandsOutBlockSequentially(t *testing.T) {
	reserver := &fakeReserver{}
	channel := uuid.New()
	a := NewAllocator(reserver, 4, []uuid.UUID{channel})
	ctx := context.Background()

	for want := int64(1); want <= 8; want++ {
		got, err := a.Next(ctx, channel)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	// Two refills for eight ids at block size four.
	require.Equal(t, 2, reserver.calls)
}

func TestAllocatorIsolatesChannels(t *testing.T) {
	reserver := &fakeReserver{}
	c1, c2 := uuid.New(), uuid.New()
	a := NewAllocator(reserver, 4, []uuid.UUID{c1, c2})
	ctx := context.Background()

	got1, err := a.Next(ctx, c1)
	require.NoError(t, err)
	got2, err := a.Next(ctx, c2)
	require.NoError(t, err)
	require.Equal(t, int64(1), got1)
	require.Equal(t, int64(1), got2)
}

func TestAllocatorPropagatesReserveFailure(t *testing.T) {
	boom := errors.New("counter unavailable")
	a := NewAllocator(&fakeReserver{err: boom}, 4, nil)

	_, err := a.Next(context.Background(), uuid.New())
	require.ErrorIs(t, err, boom)
}
