// Package postgres implements the storage contracts on pgx/v5.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/im-message-service/internal/domain/model"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.MessageStore, storage.OutboxStore and
// storage.UnreadStore on a single connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the owned schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const uniqueViolation = "23505"

// isClientIDConflict reports a (channel_id, client_msg_id) unique violation.
func isClientIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == uniqueViolation &&
		pgErr.ConstraintName == "messages_channel_client_uq"
}

// classify maps low-level pgx failures onto the client-visible taxonomy.
// Anything that looks transient surfaces as unavailable so clients retry
// with the same clientMsgId.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WrapError(model.KindNotFound, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.WrapError(model.KindUnavailable, op, err)
	}
	return model.WrapError(model.KindUnavailable, op, err)
}
