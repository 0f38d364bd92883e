package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrPaymentNotFound signals the referenced payment does not exist.
	ErrPaymentNotFound = errors.New("dispute: payment not found")
	// ErrAlreadyDisputed signals the payment already has an open dispute.
	ErrAlreadyDisputed = errors.New("dispute: payment already has an open dispute")
)

// Store defines the data access required by the resolver.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (paymentRow, error)
	Insert(ctx context.Context, tx pgx.Tx, paymentID string, reason *string) (Record, error)
	SetStatus(ctx context.Context, tx pgx.Tx, disputeID string, status Status) (Record, error)
	FailPayment(ctx context.Context, tx pgx.Tx, paymentID string) error
	RefundPayment(ctx context.Context, tx pgx.Tx, paymentID string) error
	AppendAudit(ctx context.Context, tx pgx.Tx, paymentID, action string, actorID *string, detail map[string]any) error
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed dispute store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const columns = `id, payment_id, reason, status, created_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PaymentID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.ResolvedAt)
	return rec, err
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+columns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (paymentRow, error) {
	var p paymentRow
	err := tx.QueryRow(ctx, `
		SELECT id, buyer_id, seller_id, status, intent_ref
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, paymentID).Scan(&p.ID, &p.BuyerID, &p.SellerID, &p.Status, &p.IntentRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return paymentRow{}, ErrPaymentNotFound
		}
		return paymentRow{}, fmt.Errorf("dispute: load payment: %w", err)
	}
	return p, nil
}

// Insert creates the open dispute row. The partial unique index on
// (payment_id) WHERE status='open' rejects a second open dispute.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, paymentID string, reason *string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `
		INSERT INTO disputes (payment_id, reason, status)
		VALUES ($1, $2, 'open')
		RETURNING `+columns, paymentID, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyDisputed
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SetStatus(ctx context.Context, tx pgx.Tx, disputeID string, status Status) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = $2, resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING `+columns, disputeID, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: set status: %w", err)
	}
	return rec, nil
}

// FailPayment pulls the payment out of the capturable pool unconditionally.
// A completed payment is failed too: the override is deliberate, resolution
// of the money is the operator's problem from here.
func (s *PGStore) FailPayment(ctx context.Context, tx pgx.Tx, paymentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'failed',
		    failed_at = COALESCE(failed_at, now()),
		    disputed_at = now()
		WHERE id = $1
	`, paymentID)
	if err != nil {
		return fmt.Errorf("dispute: fail payment: %w", err)
	}
	return nil
}

func (s *PGStore) RefundPayment(ctx context.Context, tx pgx.Tx, paymentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = 'refunded',
		    refunded_at = COALESCE(refunded_at, now())
		WHERE id = $1
	`, paymentID)
	if err != nil {
		return fmt.Errorf("dispute: refund payment: %w", err)
	}
	return nil
}

func (s *PGStore) AppendAudit(ctx context.Context, tx pgx.Tx, paymentID, action string, actorID *string, detail map[string]any) error {
	body := []byte("{}")
	if detail != nil {
		var err error
		body, err = json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("dispute: marshal audit detail: %w", err)
		}
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO payment_audit_logs (payment_id, action, actor_id, detail)
		VALUES ($1, $2, $3::uuid, $4::jsonb)
	`, paymentID, action, actor, body)
	if err != nil {
		return fmt.Errorf("dispute: append audit: %w", err)
	}
	return nil
}

// List returns disputes visible to a participant, newest first.
func (s *PGStore) List(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.payment_id, d.reason, d.status, d.created_at, d.resolved_at
		FROM disputes d
		JOIN payments p ON p.id = d.payment_id
		WHERE p.buyer_id = $1 OR p.seller_id = $1
		ORDER BY d.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
