package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// ApplyIncrement is the watermark-guarded unread bump. The WHERE clause on
// the conflict arm makes reprocessing a no-op: a row the processor already
// applied can never double-increment.
func (s *Store) ApplyIncrement(ctx context.Context, userID, channelID uuid.UUID, seqID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO unread_cursor (user_id, channel_id, unread_count, last_applied_seq)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			unread_count = unread_cursor.unread_count + 1,
			last_applied_seq = EXCLUDED.last_applied_seq
		WHERE unread_cursor.last_applied_seq < EXCLUDED.last_applied_seq`,
		userID, channelID, seqID)
	if err != nil {
		return false, classify("unread: apply increment", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRead advances the read position; repeated or stale acks never move it
// backwards. The denormalized counter is recomputed against the applied
// watermark so it stays consistent with what C7 has accounted.
func (s *Store) MarkRead(ctx context.Context, userID, channelID uuid.UUID, seqID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unread_cursor (user_id, channel_id, last_read_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			last_read_seq = GREATEST(unread_cursor.last_read_seq, EXCLUDED.last_read_seq),
			unread_count = GREATEST(0, unread_cursor.last_applied_seq -
				GREATEST(unread_cursor.last_read_seq, EXCLUDED.last_read_seq))`,
		userID, channelID, seqID)
	return classify("unread: mark read", err)
}

func (s *Store) Cursor(ctx context.Context, userID, channelID uuid.UUID) (*model.UnreadCursor, error) {
	c := &model.UnreadCursor{UserID: userID, ChannelID: channelID}
	err := s.pool.QueryRow(ctx, `
		SELECT last_read_seq, unread_count, last_applied_seq
		FROM unread_cursor WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID,
	).Scan(&c.LastReadSeqID, &c.UnreadCount, &c.LastAppliedSeq)
	if err == pgx.ErrNoRows {
		return c, nil // never read, never applied: all zeroes
	}
	if err != nil {
		return nil, classify("unread: cursor", err)
	}
	return c, nil
}

func (s *Store) Summary(ctx context.Context, userID uuid.UUID) ([]*model.ChannelUnread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uc.channel_id, uc.last_read_seq, uc.unread_count,
			COALESCE(cs.next_seq, uc.last_applied_seq)
		FROM unread_cursor uc
		LEFT JOIN channels_seq cs ON cs.channel_id = uc.channel_id
		WHERE uc.user_id = $1
		ORDER BY uc.channel_id`, userID)
	if err != nil {
		return nil, classify("unread: summary", err)
	}
	defer rows.Close()

	var out []*model.ChannelUnread
	for rows.Next() {
		var cu model.ChannelUnread
		if err := rows.Scan(&cu.ChannelID, &cu.LastReadSeq, &cu.UnreadCount, &cu.MaxSeq); err != nil {
			return nil, classify("unread: scan summary", err)
		}
		out = append(out, &cu)
	}
	return out, classify("unread: summary", rows.Err())
}
