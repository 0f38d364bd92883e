package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/gateway"
	"escrowflow/notify"
)

var (
	// ErrNotBuyer signals the caller is not the paying party. Sellers cannot
	// open disputes: the buyer is the one whose money is held.
	ErrNotBuyer = errors.New("dispute: only the buyer may open a dispute")
	// ErrNotOperator signals the caller lacks administrative capability.
	ErrNotOperator = errors.New("dispute: operator capability required")
	// ErrAlreadyClosed signals the dispute already reached a terminal status.
	ErrAlreadyClosed = errors.New("dispute: already closed")
	// ErrInvalidOutcome signals an outcome outside resolved/refunded/rejected.
	ErrInvalidOutcome = errors.New("dispute: invalid outcome")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OperatorCheck resolves administrative capability for a user.
type OperatorCheck interface {
	IsOperator(ctx context.Context, userID string) (bool, error)
}

// Refunder is the slice of the payment gateway the resolver needs.
type Refunder interface {
	Refund(ctx context.Context, intentRef string) (gateway.IntentStatus, error)
}

// Notifier fans out notifications after a transition commits. Best-effort.
type Notifier interface {
	NotifyAll(ctx context.Context, userIDs []string, typ string, payload map[string]any)
}

// Service opens disputes and applies operator verdicts, with compensating
// updates to the owning payment.
type Service struct {
	pool      TxBeginner
	store     Store
	refunder  Refunder
	operators OperatorCheck
	notifier  Notifier
}

func NewService(pool TxBeginner, store Store, refunder Refunder, operators OperatorCheck, notifier Notifier) *Service {
	return &Service{
		pool:      pool,
		store:     store,
		refunder:  refunder,
		operators: operators,
		notifier:  notifier,
	}
}

type OpenParams struct {
	PaymentID string
	ActorID   string
	Reason    *string
}

// Open lets the buyer contest a payment. The dispute insert and the payment
// status override commit atomically; notifications go out after commit and
// never block the transition.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.PaymentID == "" {
		return Record{}, fmt.Errorf("dispute: open missing payment id")
	}
	if params.ActorID == "" {
		return Record{}, fmt.Errorf("dispute: open missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.store.GetPaymentForUpdate(ctx, tx, params.PaymentID)
	if err != nil {
		return Record{}, err
	}
	if p.BuyerID != params.ActorID {
		return Record{}, ErrNotBuyer
	}

	rec, err := s.store.Insert(ctx, tx, p.ID, params.Reason)
	if err != nil {
		return Record{}, err
	}

	if err := s.store.FailPayment(ctx, tx, p.ID); err != nil {
		return Record{}, err
	}

	detail := map[string]any{"dispute_id": rec.ID, "previous_status": p.Status}
	if err := s.store.AppendAudit(ctx, tx, p.ID, "dispute_opened", &params.ActorID, detail); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	if s.notifier != nil {
		payload := map[string]any{"dispute_id": rec.ID, "payment_id": p.ID}
		s.notifier.NotifyAll(ctx, []string{p.BuyerID, p.SellerID}, notify.TypeDisputeOpened, payload)
	}
	return rec, nil
}

type ResolveParams struct {
	DisputeID string
	Outcome   Outcome
	ActorID   string
}

// Resolve applies an operator verdict to an open dispute. A refunded outcome
// is only recorded after the processor confirms the refund: on gateway
// failure everything rolls back and the dispute stays open for retry.
// resolved and rejected have no monetary effect and leave the payment failed.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	switch params.Outcome {
	case StatusResolved, StatusRefunded, StatusRejected:
	default:
		return Record{}, ErrInvalidOutcome
	}

	ok, err := s.operators.IsOperator(ctx, params.ActorID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotOperator
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if d.Status != StatusOpen {
		return Record{}, ErrAlreadyClosed
	}

	p, err := s.store.GetPaymentForUpdate(ctx, tx, d.PaymentID)
	if err != nil {
		return Record{}, err
	}

	if params.Outcome == StatusRefunded {
		if p.IntentRef == nil || *p.IntentRef == "" {
			return Record{}, fmt.Errorf("dispute: payment %s has no processor intent to refund", p.ID)
		}
		if _, err := s.refunder.Refund(ctx, *p.IntentRef); err != nil {
			return Record{}, err
		}
		if err := s.store.RefundPayment(ctx, tx, p.ID); err != nil {
			return Record{}, err
		}
	}

	updated, err := s.store.SetStatus(ctx, tx, d.ID, params.Outcome)
	if err != nil {
		return Record{}, err
	}

	detail := map[string]any{"dispute_id": d.ID, "outcome": string(params.Outcome)}
	if err := s.store.AppendAudit(ctx, tx, p.ID, "dispute_"+string(params.Outcome), &params.ActorID, detail); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	if s.notifier != nil {
		payload := map[string]any{"dispute_id": updated.ID, "payment_id": p.ID, "outcome": string(params.Outcome)}
		s.notifier.NotifyAll(ctx, []string{p.BuyerID, p.SellerID}, "dispute_"+string(params.Outcome), payload)
	}
	return updated, nil
}
