package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

var (
	advanceMessageSQL = `UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND ` + core_domain.RankSQL("status") + ` < ?`
	advanceReceiptsSQL = `UPDATE delivery_receipts SET status = ?, updated_at = ?
		WHERE message_id = ? AND ` + core_domain.RankSQL("status") + ` < ?`
)

// StatusStore implements domain.StatusStore on SQLite.
type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

func (s *StatusStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ApplyProviderStatus advances the message (and its receipts) to status when
// status ranks above what is stored; otherwise the event is reported stale.
func (s *StatusStore) ApplyProviderStatus(ctx context.Context, providerMessageID string, status core_domain.MessageStatus, at time.Time) (domain.StatusApplyResult, error) {
	var res domain.StatusApplyResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin status transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT id, conversation_id, status FROM messages WHERE provider_message_id = ? LIMIT 1`,
		providerMessageID).Scan(&res.MessageID, &res.ConversationID, &res.Previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, domain.ErrUnknownProviderMessage
		}
		return res, fmt.Errorf("find message by provider id %s: %w", providerMessageID, err)
	}
	res.Current = res.Previous

	rank := core_domain.Rank(status)
	ts := at.UTC().UnixNano()
	r, err := tx.ExecContext(ctx, advanceMessageSQL, string(status), ts, res.MessageID, rank)
	if err != nil {
		return res, fmt.Errorf("advance message %s: %w", res.MessageID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("advance message %s: %w", res.MessageID, err)
	}
	if n == 0 {
		return res, nil
	}
	if _, err := tx.ExecContext(ctx, advanceReceiptsSQL, string(status), ts, res.MessageID, rank); err != nil {
		return res, fmt.Errorf("advance receipts of message %s: %w", res.MessageID, err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit status transaction: %w", err)
	}
	res.Current = status
	res.Applied = true
	return res, nil
}
