package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

var (
	advanceMessageSQL = `
		UPDATE messages m SET status = $2, updated_at = $3
		FROM (SELECT id, status FROM messages WHERE provider_message_id = $1 LIMIT 1 FOR UPDATE) prev
		WHERE m.id = prev.id AND ` + core_domain.RankSQL("prev.status") + ` < $4
		RETURNING m.id, m.conversation_id, prev.status`
	advanceReceiptsSQL = `
		UPDATE delivery_receipts SET status = $2, updated_at = $3
		WHERE message_id = $1 AND ` + core_domain.RankSQL("status") + ` < $4`
)

type pgStatusStore struct {
	db *pgxpool.Pool
}

// NewPgStatusStore creates the PostgreSQL implementation of domain.StatusStore.
func NewPgStatusStore(db *pgxpool.Pool) domain.StatusStore {
	return &pgStatusStore{db: db}
}

func (r *pgStatusStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *pgStatusStore) ApplyProviderStatus(ctx context.Context, providerMessageID string, status core_domain.MessageStatus, at time.Time) (domain.StatusApplyResult, error) {
	var res domain.StatusApplyResult
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin status transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rank := core_domain.Rank(status)
	err = tx.QueryRow(ctx, advanceMessageSQL, providerMessageID, string(status), at.UTC(), rank).
		Scan(&res.MessageID, &res.ConversationID, &res.Previous)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Either unknown or stale; tell them apart for the caller.
		err = tx.QueryRow(ctx,
			`SELECT id, conversation_id, status FROM messages WHERE provider_message_id = $1 LIMIT 1`,
			providerMessageID).Scan(&res.MessageID, &res.ConversationID, &res.Previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return res, domain.ErrUnknownProviderMessage
		}
		if err != nil {
			return res, fmt.Errorf("find message by provider id %s: %w", providerMessageID, err)
		}
		res.Current = res.Previous
		return res, nil
	case err != nil:
		return res, fmt.Errorf("advance message with provider id %s: %w", providerMessageID, err)
	}

	if _, err := tx.Exec(ctx, advanceReceiptsSQL, res.MessageID, string(status), at.UTC(), rank); err != nil {
		return res, fmt.Errorf("advance receipts of message %s: %w", res.MessageID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit status transaction: %w", err)
	}
	res.Current = status
	res.Applied = true
	return res, nil
}
