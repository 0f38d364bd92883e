package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store defines the data access required by the confirmation gate and the
// processor event finalizer.
type Store interface {
	Find(ctx context.Context, kind TargetKind, id string) (Record, error)
	FindByIntentRef(ctx context.Context, intentRef string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error)
	GetByIntentRefForUpdate(ctx context.Context, tx pgx.Tx, intentRef string) (Record, error)
	InsertPayment(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	InsertMilestone(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	FundMilestone(ctx context.Context, tx pgx.Tx, id, intentRef string) (Record, error)
	SetConfirmed(ctx context.Context, tx pgx.Tx, kind TargetKind, id string, role PartyRole) (Record, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error)
	InsertProcessorEvent(ctx context.Context, tx pgx.Tx, eventID string) error
	AppendAudit(ctx context.Context, tx pgx.Tx, paymentID, action string, actorID *string, detail map[string]any) error
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed payment store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const paymentColumns = `id, listing_id, buyer_id, seller_id, amount, platform_fee, intent_ref,
       status, buyer_confirmed, seller_confirmed, completed_at, failed_at, refunded_at, disputed_at, created_at`

const milestoneColumns = `id, listing_id, buyer_id, seller_id, title, amount, platform_fee, intent_ref,
       status, buyer_confirmed, seller_confirmed, completed_at, failed_at, created_at`

func scanPayment(row pgx.Row) (Record, error) {
	rec := Record{Kind: KindPayment}
	err := row.Scan(
		&rec.ID, &rec.ListingID, &rec.BuyerID, &rec.SellerID,
		&rec.Amount, &rec.PlatformFee, &rec.IntentRef,
		&rec.Status, &rec.BuyerConfirmed, &rec.SellerConfirmed,
		&rec.CompletedAt, &rec.FailedAt, &rec.RefundedAt, &rec.DisputedAt, &rec.CreatedAt,
	)
	return rec, err
}

func scanMilestone(row pgx.Row) (Record, error) {
	rec := Record{Kind: KindMilestone}
	err := row.Scan(
		&rec.ID, &rec.ListingID, &rec.BuyerID, &rec.SellerID, &rec.Title,
		&rec.Amount, &rec.PlatformFee, &rec.IntentRef,
		&rec.Status, &rec.BuyerConfirmed, &rec.SellerConfirmed,
		&rec.CompletedAt, &rec.FailedAt, &rec.CreatedAt,
	)
	return rec, err
}

func (s *PGStore) get(ctx context.Context, q querier, kind TargetKind, id string, forUpdate bool) (Record, error) {
	suffix := ""
	if forUpdate {
		suffix = " FOR UPDATE"
	}

	var (
		rec Record
		err error
	)
	switch kind {
	case KindMilestone:
		rec, err = scanMilestone(q.QueryRow(ctx,
			`SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`+suffix, id))
	default:
		rec, err = scanPayment(q.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE id = $1`+suffix, id))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("payment: get %s: %w", kind, err)
	}
	return rec, nil
}

func (s *PGStore) getByIntentRef(ctx context.Context, q querier, intentRef string, forUpdate bool) (Record, error) {
	suffix := ""
	if forUpdate {
		suffix = " FOR UPDATE"
	}

	rec, err := scanPayment(q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE intent_ref = $1`+suffix, intentRef))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("payment: get by intent ref: %w", err)
	}

	rec, err = scanMilestone(q.QueryRow(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE intent_ref = $1`+suffix, intentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("payment: get milestone by intent ref: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Find(ctx context.Context, kind TargetKind, id string) (Record, error) {
	return s.get(ctx, s.pool, kind, id, false)
}

func (s *PGStore) FindByIntentRef(ctx context.Context, intentRef string) (Record, error) {
	return s.getByIntentRef(ctx, s.pool, intentRef, false)
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error) {
	return s.get(ctx, tx, kind, id, true)
}

func (s *PGStore) GetByIntentRefForUpdate(ctx context.Context, tx pgx.Tx, intentRef string) (Record, error) {
	return s.getByIntentRef(ctx, tx, intentRef, true)
}

func (s *PGStore) InsertPayment(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO payments (id, listing_id, buyer_id, seller_id, amount, platform_fee, intent_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'requires_capture')
		RETURNING ` + paymentColumns

	created, err := scanPayment(tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.ListingID, rec.BuyerID, rec.SellerID, rec.Amount, rec.PlatformFee, rec.IntentRef))
	if err != nil {
		return Record{}, fmt.Errorf("payment: insert payment: %w", err)
	}
	return created, nil
}

func (s *PGStore) InsertMilestone(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO milestones (id, listing_id, buyer_id, seller_id, title, amount, platform_fee, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + milestoneColumns

	created, err := scanMilestone(tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.ListingID, rec.BuyerID, rec.SellerID, rec.Title, rec.Amount, rec.PlatformFee))
	if err != nil {
		return Record{}, fmt.Errorf("payment: insert milestone: %w", err)
	}
	return created, nil
}

// FundMilestone attaches the processor intent and moves the milestone into
// the confirmation cycle. The partial unique index on listing_id rejects a
// second in-flight milestone for the same listing.
func (s *PGStore) FundMilestone(ctx context.Context, tx pgx.Tx, id, intentRef string) (Record, error) {
	const updateSQL = `
		UPDATE milestones
		SET status = 'requires_capture', intent_ref = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + milestoneColumns

	rec, err := scanMilestone(tx.QueryRow(ctx, updateSQL, id, intentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrStateConflict
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrMilestoneInFlight
		}
		return Record{}, fmt.Errorf("payment: fund milestone: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SetConfirmed(ctx context.Context, tx pgx.Tx, kind TargetKind, id string, role PartyRole) (Record, error) {
	column := "buyer_confirmed"
	if role == PartySeller {
		column = "seller_confirmed"
	}

	var (
		rec Record
		err error
	)
	switch kind {
	case KindMilestone:
		rec, err = scanMilestone(tx.QueryRow(ctx,
			`UPDATE milestones SET `+column+` = true WHERE id = $1 RETURNING `+milestoneColumns, id))
	default:
		rec, err = scanPayment(tx.QueryRow(ctx,
			`UPDATE payments SET `+column+` = true WHERE id = $1 RETURNING `+paymentColumns, id))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("payment: set %s: %w", column, err)
	}
	return rec, nil
}

func (s *PGStore) MarkCompleted(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error) {
	var (
		rec Record
		err error
	)
	switch kind {
	case KindMilestone:
		rec, err = scanMilestone(tx.QueryRow(ctx, `
			UPDATE milestones
			SET status = 'completed', completed_at = COALESCE(completed_at, now())
			WHERE id = $1 AND status = 'requires_capture'
			RETURNING `+milestoneColumns, id))
	default:
		rec, err = scanPayment(tx.QueryRow(ctx, `
			UPDATE payments
			SET status = 'completed', completed_at = COALESCE(completed_at, now())
			WHERE id = $1 AND status = 'requires_capture'
			RETURNING `+paymentColumns, id))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrStateConflict
		}
		return Record{}, fmt.Errorf("payment: mark completed: %w", err)
	}
	return rec, nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, kind TargetKind, id string) (Record, error) {
	var (
		rec Record
		err error
	)
	switch kind {
	case KindMilestone:
		rec, err = scanMilestone(tx.QueryRow(ctx, `
			UPDATE milestones
			SET status = 'failed', failed_at = COALESCE(failed_at, now())
			WHERE id = $1 AND status = 'requires_capture'
			RETURNING `+milestoneColumns, id))
	default:
		rec, err = scanPayment(tx.QueryRow(ctx, `
			UPDATE payments
			SET status = 'failed', failed_at = COALESCE(failed_at, now())
			WHERE id = $1 AND status = 'requires_capture'
			RETURNING `+paymentColumns, id))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrStateConflict
		}
		return Record{}, fmt.Errorf("payment: mark failed: %w", err)
	}
	return rec, nil
}

// InsertProcessorEvent reserves the processor event id inside the active
// transaction. A duplicate key means the event was already applied.
func (s *PGStore) InsertProcessorEvent(ctx context.Context, tx pgx.Tx, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("payment: empty processor event id")
	}

	_, err := tx.Exec(ctx, `INSERT INTO processor_events (event_id) VALUES ($1)`, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("payment: insert processor event: %w", err)
	}
	return nil
}

func (s *PGStore) AppendAudit(ctx context.Context, tx pgx.Tx, paymentID, action string, actorID *string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("payment: marshal audit detail: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const insertSQL = `
		INSERT INTO payment_audit_logs (payment_id, action, actor_id, detail)
		VALUES ($1, $2, $3::uuid, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, paymentID, action, actor, body); err != nil {
		return fmt.Errorf("payment: append audit: %w", err)
	}
	return nil
}
