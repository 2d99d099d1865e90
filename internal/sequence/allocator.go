// Package sequence implements block allocation of per-channel sequence ids
// for channels that opt out of tight mode. A process checks out a block of
// ids in one short counter transaction and hands them out from memory;
// ids left unused when the process dies become permanent gaps, so batched
// channels are monotonic but possibly sparse.
package sequence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Reserver is the durable counter behind the allocator
// (storage.MessageStore.ReserveSeqBlock in production).
type Reserver interface {
	ReserveSeqBlock(ctx context.Context, channelID uuid.UUID, n int64) (first, last int64, err error)
}

// Allocator hands out pre-reserved sequence ids per channel. Channels not
// in the opt-in set report Batched() == false and take the tight path.
type Allocator struct {
	reserver  Reserver
	blockSize int64
	optIn     map[uuid.UUID]bool

	mu     sync.Mutex
	blocks map[uuid.UUID]*block
}

type block struct {
	next int64
	last int64
}

func NewAllocator(reserver Reserver, blockSize int64, channels []uuid.UUID) *Allocator {
	optIn := make(map[uuid.UUID]bool, len(channels))
	for _, ch := range channels {
		optIn[ch] = true
	}
	if blockSize < 1 {
		blockSize = 1
	}
	return &Allocator{
		reserver:  reserver,
		blockSize: blockSize,
		optIn:     optIn,
		blocks:    make(map[uuid.UUID]*block),
	}
}

// Batched reports whether the channel uses block allocation.
func (a *Allocator) Batched(channelID uuid.UUID) bool { return a.optIn[channelID] }

// Next returns the channel's next pre-reserved id, refilling the block from
// the durable counter when drained. Holding the mutex across the refill is
// deliberate: it serializes refills per process, and the counter roundtrip
// is the rare path (1 in blockSize calls).
func (a *Allocator) Next(ctx context.Context, channelID uuid.UUID) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.blocks[channelID]
	if b == nil || b.next > b.last {
		first, last, err := a.reserver.ReserveSeqBlock(ctx, channelID, a.blockSize)
		if err != nil {
			return 0, err
		}
		b = &block{next: first, last: last}
		a.blocks[channelID] = b
	}

	id := b.next
	b.next++
	return id, nil
}
