package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// Receipts never move back down the status order.
var advanceReceiptsSQL = `UPDATE delivery_receipts SET status = $2, updated_at = now()
	WHERE message_id = $1 AND ` + core_domain.RankSQL("status") + ` < $3`

type pgMessageStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgMessageStore creates the PostgreSQL implementation of domain.MessageStore.
func NewPgMessageStore(db *pgxpool.Pool, logger *slog.Logger) domain.MessageStore {
	return &pgMessageStore{db: db, logger: logger.With("component", "pg_message_store")}
}

func (r *pgMessageStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// ClaimOldestQueued claims in a single statement. SKIP LOCKED lets concurrent
// claimants pass over a row another transaction is claiming instead of waiting on it.
func (r *pgMessageStore) ClaimOldestQueued(ctx context.Context, kind core_domain.MessageKind) (*core_domain.OutboundMessage, error) {
	query := `
		WITH claimed AS (
			UPDATE messages
			SET status = 'processing', claimed_at = now(), attempts = attempts + 1, updated_at = now()
			WHERE id = (
				SELECT id FROM messages
				WHERE kind = $1 AND status = 'queued'
				ORDER BY created_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, conversation_id, kind, status, provider_message_id, attempts, claimed_at, created_at, updated_at
		)
		SELECT cl.id, cl.conversation_id, cl.kind, cl.status, cl.provider_message_id, cl.attempts,
		       cl.claimed_at, cl.created_at, cl.updated_at, COALESCE(c.recipient_address, '')
		FROM claimed cl
		LEFT JOIN conversations c ON c.id = cl.conversation_id
	`
	var (
		m        core_domain.OutboundMessage
		kindText string
	)
	err := r.db.QueryRow(ctx, query, string(kind)).Scan(
		&m.ID, &m.ConversationID, &kindText, &m.Status, &m.ProviderMessageID, &m.Attempts,
		&m.ClaimedAt, &m.CreatedAt, &m.UpdatedAt, &m.RecipientAddress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoQueuedMessages
		}
		return nil, fmt.Errorf("claim oldest queued %s message: %w", kind, err)
	}
	m.Kind = core_domain.MessageKind(kindText)
	return &m, nil
}

// ResolveClaim only writes while the row is still processing under the same
// claim, so a worker whose claim was reclaimed cannot overwrite a newer outcome.
func (r *pgMessageStore) ResolveClaim(ctx context.Context, messageID string, attempt int, status core_domain.MessageStatus, providerMessageID *string) error {
	query := `
		UPDATE messages
		SET status = $2,
		    provider_message_id = COALESCE($3, provider_message_id),
		    claimed_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND attempts = $4
	`
	tag, err := r.db.Exec(ctx, query, messageID, string(status), providerMessageID, attempt)
	if err != nil {
		return fmt.Errorf("resolve claim on message %s: %w", messageID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
		return fmt.Errorf("look up message %s: %w", messageID, err)
	}
	if !exists {
		return domain.ErrMessageNotFound
	}
	return domain.ErrClaimLost
}

func (r *pgMessageStore) GetAttachment(ctx context.Context, messageID string) (*core_domain.MediaAttachment, error) {
	a := &core_domain.MediaAttachment{}
	query := `
		SELECT id, message_id, media_url, caption, created_at
		FROM media_attachments WHERE message_id = $1
		ORDER BY created_at ASC LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, messageID).Scan(&a.ID, &a.MessageID, &a.MediaURL, &a.Caption, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("get attachment of message %s: %w", messageID, err)
	}
	return a, nil
}

func (r *pgMessageStore) UpdateReceiptsStatus(ctx context.Context, messageID string, status core_domain.MessageStatus) error {
	_, err := r.db.Exec(ctx, advanceReceiptsSQL, messageID, string(status), core_domain.Rank(status))
	if err != nil {
		return fmt.Errorf("update receipts of message %s: %w", messageID, err)
	}
	return nil
}

func (r *pgMessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET status = 'queued', claimed_at = NULL, updated_at = now()
		 WHERE status = 'processing' AND claimed_at < $1`,
		claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
