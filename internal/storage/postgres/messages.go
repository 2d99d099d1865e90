package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/im-message-service/internal/domain/model"
)

const messageColumns = `msg_id, channel_id, tenant_id, sender_id, seq_id,
	client_msg_id, type, content, parent_id, attachments, metadata,
	created_at, edited_at, is_deleted`

// CreateMessage is the transactional write path.
//
//  1. Allocate seqId: tight mode increments the row-locked channel counter
//     inside this transaction, so the counter and the message commit
//     together and the sequence stays gap-free. A pre-assigned msg.SeqID
//     (batched mode) skips the counter.
//  2. Insert the message row; a (channel_id, client_msg_id) conflict aborts
//     with KindDuplicate for the caller to resolve against the prior row.
//  3. Insert the outbox row with the frozen envelope, status pending.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("create message: begin", err)
	}
	defer tx.Rollback(ctx)

	if msg.SeqID == 0 {
		// Tight mode. The upsert initializes the counter lazily and the
		// row lock serializes concurrent producers on the same channel;
		// no app-level retry above this.
		err = tx.QueryRow(ctx, `
			INSERT INTO channels_seq (channel_id, next_seq) VALUES ($1, 1)
			ON CONFLICT (channel_id)
			DO UPDATE SET next_seq = channels_seq.next_seq + 1
			RETURNING next_seq`, msg.ChannelID,
		).Scan(&msg.SeqID)
		if err != nil {
			return nil, classify("create message: next seq", err)
		}
	}

	msg.ID, err = uuid.NewV7() // time-sortable
	if err != nil {
		return nil, classify("create message: msg id", err)
	}
	msg.CreatedAt = time.Now().UTC()

	attachments, metadata, err := marshalExtras(msg)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (msg_id, channel_id, tenant_id, sender_id,
			seq_id, client_msg_id, type, content, parent_id, attachments,
			metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ChannelID, msg.TenantID, msg.SenderID, msg.SeqID,
		nullUUID(msg.ClientMsgID), msg.Type, msg.Content,
		nullUUID(msg.ParentID), attachments, metadata, msg.CreatedAt,
	)
	if err != nil {
		if isClientIDConflict(err) {
			return nil, model.WrapError(model.KindDuplicate, "client message id already ingested", err)
		}
		return nil, classify("create message: insert", err)
	}

	if err = insertOutbox(ctx, tx, msg, model.OutboxMessageCreated); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, classify("create message: commit", err)
	}
	return msg, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, msg *model.Message, kind model.OutboxKind) error {
	payload, err := model.NewEnvelope(msg).Marshal()
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}

	// One outbox row per message. A later edit or delete re-opens the row;
	// an unfinished created-row keeps its kind so unread accounting is
	// never skipped, but always carries the freshest payload.
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (msg_id, channel_id, sender_id, tenant_id, kind,
			seq_id, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', now())
		ON CONFLICT (msg_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			kind = CASE WHEN outbox.status = 'done' THEN EXCLUDED.kind ELSE outbox.kind END,
			status = 'pending',
			published = FALSE,
			attempt = 0,
			next_attempt_at = now(),
			updated_at = now(),
			completed_at = NULL`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.TenantID, kind,
		msg.SeqID, payload,
	)
	if err != nil {
		return classify("outbox: upsert", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, msgID uuid.UUID) (*model.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE msg_id = $1`, msgID)
	return scanMessage(row)
}

func (s *Store) GetByClientID(ctx context.Context, channelID, clientMsgID uuid.UUID) (*model.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel_id = $1 AND client_msg_id = $2`, channelID, clientMsgID)
	return scanMessage(row)
}

func (s *Store) ListAfterSeq(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel_id = $1 AND seq_id > $2
		 ORDER BY seq_id ASC
		 LIMIT $3`, channelID, afterSeq, limit)
	if err != nil {
		return nil, classify("list after seq", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, classify("list after seq", rows.Err())
}

func (s *Store) MaxSeq(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var maxSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq_id), 0) FROM messages WHERE channel_id = $1`,
		channelID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, classify("max seq", err)
	}
	return maxSeq, nil
}

func (s *Store) UpdateContent(ctx context.Context, msgID, senderID uuid.UUID, content string) (*model.Message, error) {
	return s.mutate(ctx, msgID, senderID, model.OutboxMessageUpdated, `
		UPDATE messages SET content = $3, edited_at = now()
		WHERE msg_id = $1 AND sender_id = $2 AND NOT is_deleted
		RETURNING `+messageColumns, content)
}

func (s *Store) SoftDelete(ctx context.Context, msgID, senderID uuid.UUID) (*model.Message, error) {
	return s.mutate(ctx, msgID, senderID, model.OutboxMessageDeleted, `
		UPDATE messages SET is_deleted = TRUE, edited_at = now()
		WHERE msg_id = $1 AND sender_id = $2 AND NOT is_deleted
		RETURNING `+messageColumns)
}

// mutate runs an edit or tombstone plus its outbox upsert in one transaction.
func (s *Store) mutate(ctx context.Context, msgID, senderID uuid.UUID, kind model.OutboxKind, query string, args ...any) (*model.Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("mutate message: begin", err)
	}
	defer tx.Rollback(ctx)

	full := append([]any{msgID, senderID}, args...)
	msg, err := scanMessage(tx.QueryRow(ctx, query, full...))
	if err != nil {
		return nil, err
	}

	if err = insertOutbox(ctx, tx, msg, kind); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, classify("mutate message: commit", err)
	}
	return msg, nil
}

// MarkPublished flags the outbox row as already broadcast by the fast
// path. Rows a worker has claimed are left alone: that broadcast attempt
// is in flight and settles the flag itself.
func (s *Store) MarkPublished(ctx context.Context, msgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET published = TRUE, updated_at = now()
		WHERE msg_id = $1 AND status = 'pending'`, msgID)
	return classify("outbox: mark published", err)
}

// ReserveSeqBlock checks out n sequence ids in one short transaction.
// Batched mode only; unused ids become gaps if the process dies.
func (s *Store) ReserveSeqBlock(ctx context.Context, channelID uuid.UUID, n int64) (int64, int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO channels_seq (channel_id, next_seq) VALUES ($1, $2)
		ON CONFLICT (channel_id)
		DO UPDATE SET next_seq = channels_seq.next_seq + $2
		RETURNING next_seq`, channelID, n,
	).Scan(&last)
	if err != nil {
		return 0, 0, classify("reserve seq block", err)
	}
	return last - n + 1, last, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m           model.Message
		clientMsgID *uuid.UUID
		parentID    *uuid.UUID
		attachments []byte
		metadata    []byte
		editedAt    *time.Time
	)
	err := row.Scan(&m.ID, &m.ChannelID, &m.TenantID, &m.SenderID, &m.SeqID,
		&clientMsgID, &m.Type, &m.Content, &parentID, &attachments,
		&metadata, &m.CreatedAt, &editedAt, &m.IsDeleted)
	if err != nil {
		return nil, classify("scan message", err)
	}

	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	if parentID != nil {
		m.ParentID = *parentID
	}
	if editedAt != nil {
		m.EditedAt = *editedAt
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("scan message: attachments: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scan message: metadata: %w", err)
		}
	}
	return &m, nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func marshalExtras(msg *model.Message) ([]byte, []byte, error) {
	var attachments, metadata []byte
	var err error
	if len(msg.Attachments) > 0 {
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return nil, nil, fmt.Errorf("marshal attachments: %w", err)
		}
	}
	if len(msg.Metadata) > 0 {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return attachments, metadata, nil
}
