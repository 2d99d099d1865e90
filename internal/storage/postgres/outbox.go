package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// ClaimBatch moves due pending rows into broadcasting and returns them.
//
// Channel partitioning: rows hash onto workers by channel_id, so exactly
// one worker drains a given channel and per-channel seq order is preserved
// end to end. SKIP LOCKED keeps concurrent claimers of the same partition
// (worker restart overlap) from blocking each other.
func (s *Store) ClaimBatch(ctx context.Context, worker, totalWorkers, limit int) ([]*model.OutboxRow, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox SET status = 'broadcasting', updated_at = now()
		WHERE msg_id IN (
			SELECT msg_id FROM outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= now()
			  AND abs(hashtext(channel_id::text)) % $1 = $2
			ORDER BY channel_id, seq_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING msg_id, channel_id, sender_id, tenant_id, kind, seq_id,
			payload, status, published, attempt, next_attempt_at, created_at,
			COALESCE(completed_at, 'epoch'::timestamptz)`,
		totalWorkers, worker, limit)
	if err != nil {
		return nil, classify("outbox: claim", err)
	}
	defer rows.Close()

	var claimed []*model.OutboxRow
	for rows.Next() {
		var r model.OutboxRow
		if err := rows.Scan(&r.MsgID, &r.ChannelID, &r.SenderID, &r.TenantID,
			&r.Kind, &r.SeqID, &r.Payload, &r.Status, &r.Published, &r.Attempt,
			&r.NextAttemptAt, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, classify("outbox: scan claim", err)
		}
		claimed = append(claimed, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("outbox: claim", err)
	}

	// The UPDATE..IN form does not guarantee result order; re-sort so a
	// worker always applies a channel in seq order.
	sortRows(claimed)
	return claimed, nil
}

func sortRows(rows []*model.OutboxRow) {
	// Insertion sort: batches are small and mostly pre-sorted.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && less(rows[j], rows[j-1]); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func less(a, b *model.OutboxRow) bool {
	if a.ChannelID != b.ChannelID {
		return a.ChannelID.String() < b.ChannelID.String()
	}
	return a.SeqID < b.SeqID
}

func (s *Store) MarkDelivered(ctx context.Context, msgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'delivered', published = TRUE, updated_at = now()
		WHERE msg_id = $1 AND status = 'broadcasting'`, msgID)
	return classify("outbox: mark delivered", err)
}

func (s *Store) MarkDone(ctx context.Context, msgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'done', completed_at = now(), updated_at = now()
		WHERE msg_id = $1`, msgID)
	return classify("outbox: mark done", err)
}

func (s *Store) Retry(ctx context.Context, msgID uuid.UUID, attempt int32, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'pending', attempt = $2,
			next_attempt_at = $3, updated_at = now()
		WHERE msg_id = $1`, msgID, attempt, nextAttemptAt)
	return classify("outbox: retry", err)
}

func (s *Store) MarkFailed(ctx context.Context, msgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'failed', updated_at = now()
		WHERE msg_id = $1`, msgID)
	return classify("outbox: mark failed", err)
}

// RequeueStuck resets rows a crashed worker abandoned in flight.
func (s *Store) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'pending', updated_at = now()
		WHERE status IN ('broadcasting', 'delivered')
		  AND updated_at < now() - $1::interval`,
		olderThan)
	if err != nil {
		return 0, classify("outbox: requeue stuck", err)
	}
	return tag.RowsAffected(), nil
}
