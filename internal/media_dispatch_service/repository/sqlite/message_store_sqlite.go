package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// claimCandidates bounds how many queued rows one claim attempt looks at
// before re-reading the queue.
const claimCandidates = 8

// Receipts never move back down the status order.
var advanceReceiptsSQL = `UPDATE delivery_receipts SET status = ?, updated_at = ?
	WHERE message_id = ? AND ` + core_domain.RankSQL("status") + ` < ?`

// MessageStore implements domain.MessageStore on SQLite for single-node deployments.
// Timestamps are unix nanoseconds.
type MessageStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewMessageStore(db *sql.DB, logger *slog.Logger) *MessageStore {
	return &MessageStore{
		db:     db,
		logger: logger.With("component", "sqlite_message_store"),
		now:    time.Now,
	}
}

func (s *MessageStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ClaimOldestQueued selects the oldest queued candidates and claims the first one
// whose compare-and-swap succeeds. Losing a CAS means another claimant won that row.
func (s *MessageStore) ClaimOldestQueued(ctx context.Context, kind core_domain.MessageKind) (*core_domain.OutboundMessage, error) {
	for {
		ids, err := s.queuedCandidates(ctx, kind)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, domain.ErrNoQueuedMessages
		}
		for _, id := range ids {
			err := s.casClaim(ctx, id)
			if errors.Is(err, domain.ErrClaimConflict) {
				s.logger.DebugContext(ctx, "Lost claim race, trying next candidate", "message_id", id)
				continue
			}
			if err != nil {
				return nil, err
			}
			return s.getMessage(ctx, id)
		}
		// Every candidate was taken by someone else; the queue may hold more rows.
	}
}

func (s *MessageStore) queuedCandidates(ctx context.Context, kind core_domain.MessageKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE kind = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(kind), string(core_domain.StatusQueued), claimCandidates)
	if err != nil {
		return nil, fmt.Errorf("select queued candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queued candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MessageStore) casClaim(ctx context.Context, id string) error {
	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core_domain.StatusProcessing), now, now, id, string(core_domain.StatusQueued))
	if err != nil {
		return fmt.Errorf("claim message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim message %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrClaimConflict
	}
	return nil
}

func (s *MessageStore) getMessage(ctx context.Context, id string) (*core_domain.OutboundMessage, error) {
	var (
		m          core_domain.OutboundMessage
		kind       string
		providerID sql.NullString
		claimedAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.conversation_id, m.kind, m.status, m.provider_message_id, m.attempts,
		        m.claimed_at, m.created_at, m.updated_at, COALESCE(c.recipient_address, '')
		 FROM messages m LEFT JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &kind, &m.Status, &providerID, &m.Attempts,
			&claimedAt, &createdAt, &updatedAt, &m.RecipientAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	m.Kind = core_domain.MessageKind(kind)
	if providerID.Valid {
		p := providerID.String
		m.ProviderMessageID = &p
	}
	if claimedAt.Valid {
		t := fromNanos(claimedAt.Int64)
		m.ClaimedAt = &t
	}
	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)
	return &m, nil
}

// GetMessage returns a stored message with its recipient address.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (*core_domain.OutboundMessage, error) {
	return s.getMessage(ctx, id)
}

// ResolveClaim is a compare-and-swap on (status, attempts): a worker whose claim
// was reclaimed by the sweeper, and possibly claimed again, cannot overwrite
// the newer outcome.
func (s *MessageStore) ResolveClaim(ctx context.Context, messageID string, attempt int, status core_domain.MessageStatus, providerMessageID *string) error {
	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET status = ?,
		     provider_message_id = COALESCE(?, provider_message_id),
		     claimed_at = NULL,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		string(status), providerMessageID, now, messageID, string(core_domain.StatusProcessing), attempt)
	if err != nil {
		return fmt.Errorf("resolve claim on message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve claim on message %s: %w", messageID, err)
	}
	if n == 0 {
		return s.claimLostOrMissing(ctx, messageID)
	}
	return nil
}

func (s *MessageStore) claimLostOrMissing(ctx context.Context, messageID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("look up message %s: %w", messageID, err)
	}
	return domain.ErrClaimLost
}

func (s *MessageStore) GetAttachment(ctx context.Context, messageID string) (*core_domain.MediaAttachment, error) {
	var (
		a         core_domain.MediaAttachment
		caption   sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, media_url, caption, created_at
		 FROM media_attachments WHERE message_id = ? ORDER BY created_at ASC LIMIT 1`, messageID).
		Scan(&a.ID, &a.MessageID, &a.MediaURL, &caption, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("get attachment of message %s: %w", messageID, err)
	}
	if caption.Valid {
		c := caption.String
		a.Caption = &c
	}
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

func (s *MessageStore) UpdateReceiptsStatus(ctx context.Context, messageID string, status core_domain.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, advanceReceiptsSQL,
		string(status), s.now().UTC().UnixNano(), messageID, core_domain.Rank(status))
	if err != nil {
		return fmt.Errorf("update receipts of message %s: %w", messageID, err)
	}
	return nil
}

func (s *MessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at < ?`,
		string(core_domain.StatusQueued), s.now().UTC().UnixNano(),
		string(core_domain.StatusProcessing), claimedBefore.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return res.RowsAffected()
}

// CreateConversation inserts a conversation row (or keeps the existing one).
func (s *MessageStore) CreateConversation(ctx context.Context, id, recipientAddress string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, recipient_address, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, recipientAddress, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", id, err)
	}
	return nil
}

// EnqueueMediaParams describes a media message to enqueue.
type EnqueueMediaParams struct {
	ConversationID string
	MediaURL       string
	Caption        *string
	Recipients     int // delivery receipts to create; at least one
}

// EnqueueMedia inserts a queued media message with its attachment and receipts in one transaction.
func (s *MessageStore) EnqueueMedia(ctx context.Context, p EnqueueMediaParams) (*core_domain.OutboundMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	now := s.now().UTC()
	msg := &core_domain.OutboundMessage{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		Kind:           core_domain.KindMedia,
		Status:         core_domain.StatusQueued,
		CreatedAt:      fromNanos(now.UnixNano()),
		UpdatedAt:      fromNanos(now.UnixNano()),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, kind, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Kind), string(msg.Status), now.UnixNano(), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if p.MediaURL != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO media_attachments (id, message_id, media_url, caption, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), msg.ID, p.MediaURL, p.Caption, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("insert media attachment: %w", err)
		}
	}
	recipients := p.Recipients
	if recipients < 1 {
		recipients = 1
	}
	for i := 0; i < recipients; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_receipts (id, message_id, status, updated_at) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), msg.ID, string(core_domain.StatusQueued), now.UnixNano()); err != nil {
			return nil, fmt.Errorf("insert delivery receipt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue transaction: %w", err)
	}
	return msg, nil
}

// ReceiptStatuses returns the status of every delivery receipt of a message.
func (s *MessageStore) ReceiptStatuses(ctx context.Context, messageID string) ([]core_domain.MessageStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status FROM delivery_receipts WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list receipts of message %s: %w", messageID, err)
	}
	defer rows.Close()
	var out []core_domain.MessageStatus
	for rows.Next() {
		var st core_domain.MessageStatus
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
