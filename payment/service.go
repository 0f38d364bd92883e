package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"escrowflow/gateway"
	"escrowflow/listing"
)

// defaultPlatformFeeBps is the platform cut applied at checkout, in basis points.
const defaultPlatformFeeBps = 500

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ListingSource provides the listing data checkout depends on.
type ListingSource interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
}

// Notifier fans out notifications after a state transition commits.
// Implementations are best-effort and must not return errors.
type Notifier interface {
	NotifyAll(ctx context.Context, userIDs []string, typ string, payload map[string]any)
}

// Service is the confirmation gate: it owns all mutations of payment and
// milestone status and confirmation flags after creation.
type Service struct {
	pool     TxBeginner
	store    Store
	gw       gateway.Gateway
	listings ListingSource
	notifier Notifier
	captures singleflight.Group
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, store Store, gw gateway.Gateway, listings ListingSource, notifier Notifier) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		gw:       gw,
		listings: listings,
		notifier: notifier,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CheckoutParams struct {
	ListingID string
	BuyerID   string
}

// Checkout authorizes a payment for a listing: a manual-capture intent is
// created at the processor and the payment row starts in requires_capture
// with both confirmation flags false.
func (s *Service) Checkout(ctx context.Context, params CheckoutParams) (Record, error) {
	if params.ListingID == "" {
		return Record{}, fmt.Errorf("payment: checkout missing listing id")
	}
	if params.BuyerID == "" {
		return Record{}, fmt.Errorf("payment: checkout missing buyer id")
	}

	l, err := s.listings.GetByID(ctx, params.ListingID)
	if err != nil {
		return Record{}, err
	}
	if !l.Active {
		return Record{}, ErrStateConflict
	}
	if l.SellerID == params.BuyerID {
		return Record{}, fmt.Errorf("payment: buyer cannot purchase own listing")
	}

	intentRef, err := s.gw.CreateIntent(ctx, gateway.CreateIntentParams{
		Amount:   l.Price,
		Metadata: map[string]string{"listing_id": l.ID},
	})
	if err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:          s.idGen(),
		ListingID:   l.ID,
		BuyerID:     params.BuyerID,
		SellerID:    l.SellerID,
		Amount:      l.Price,
		PlatformFee: l.Price * defaultPlatformFeeBps / 10000,
		IntentRef:   &intentRef,
	}
	created, err := s.store.InsertPayment(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	detail := map[string]any{"intent_ref": intentRef, "amount": created.Amount}
	if err := s.store.AppendAudit(ctx, tx, created.ID, AuditPaymentCreated, &params.BuyerID, detail); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit checkout: %w", err)
	}
	return created, nil
}

type MilestoneParams struct {
	ListingID string
	BuyerID   string
	Title     string
	Amount    int64
}

// CreateMilestone records a buyer-defined sub-deliverable in pending state.
// Funds are not authorized until FundMilestone.
func (s *Service) CreateMilestone(ctx context.Context, params MilestoneParams) (Record, error) {
	if params.ListingID == "" || params.BuyerID == "" {
		return Record{}, fmt.Errorf("payment: milestone missing listing or buyer id")
	}
	if params.Title == "" {
		return Record{}, fmt.Errorf("payment: milestone title required")
	}
	if params.Amount <= 0 {
		return Record{}, fmt.Errorf("payment: milestone amount must be positive")
	}

	l, err := s.listings.GetByID(ctx, params.ListingID)
	if err != nil {
		return Record{}, err
	}
	if l.SellerID == params.BuyerID {
		return Record{}, fmt.Errorf("payment: buyer cannot open milestone on own listing")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:          s.idGen(),
		Kind:        KindMilestone,
		ListingID:   l.ID,
		BuyerID:     params.BuyerID,
		SellerID:    l.SellerID,
		Title:       params.Title,
		Amount:      params.Amount,
		PlatformFee: params.Amount * defaultPlatformFeeBps / 10000,
	}
	created, err := s.store.InsertMilestone(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	detail := map[string]any{"title": created.Title, "amount": created.Amount}
	if err := s.store.AppendAudit(ctx, tx, created.ID, AuditMilestoneCreated, &params.BuyerID, detail); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit milestone: %w", err)
	}
	return created, nil
}

// FundMilestone authorizes funds for a pending milestone and moves it into
// the confirmation cycle. Buyer-only.
func (s *Service) FundMilestone(ctx context.Context, milestoneID, actorID string) (Record, error) {
	if milestoneID == "" {
		return Record{}, fmt.Errorf("payment: fund missing milestone id")
	}

	current, err := s.store.Find(ctx, KindMilestone, milestoneID)
	if err != nil {
		return Record{}, err
	}
	if current.BuyerID != actorID {
		return Record{}, ErrNotBuyer
	}
	if current.Status != StatusPending {
		return Record{}, ErrStateConflict
	}

	intentRef, err := s.gw.CreateIntent(ctx, gateway.CreateIntentParams{
		Amount:   current.Amount,
		Metadata: map[string]string{"listing_id": current.ListingID, "milestone_id": current.ID},
	})
	if err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	funded, err := s.store.FundMilestone(ctx, tx, milestoneID, intentRef)
	if err != nil {
		return Record{}, err
	}

	detail := map[string]any{"intent_ref": intentRef}
	if err := s.store.AppendAudit(ctx, tx, funded.ID, AuditMilestoneFunded, &actorID, detail); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit fund: %w", err)
	}
	return funded, nil
}

type ConfirmParams struct {
	Kind    TargetKind
	ID      string
	ActorID string
}

// Confirm sets the caller's confirmation flag on a requires_capture record.
// Idempotent: confirming twice leaves the record unchanged. Capture is never
// triggered from here.
func (s *Service) Confirm(ctx context.Context, params ConfirmParams) (Record, error) {
	if params.ID == "" {
		return Record{}, fmt.Errorf("payment: confirm missing record id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, params.Kind, params.ID)
	if err != nil {
		return Record{}, err
	}

	role, ok := rec.RoleOf(params.ActorID)
	if !ok {
		return Record{}, ErrNotParticipant
	}
	if rec.Status != StatusRequiresCapture {
		return Record{}, ErrStateConflict
	}

	already := rec.BuyerConfirmed
	action := AuditBuyerConfirmed
	if role == PartySeller {
		already = rec.SellerConfirmed
		action = AuditSellerConfirmed
	}
	if already {
		return rec, nil
	}

	updated, err := s.store.SetConfirmed(ctx, tx, params.Kind, params.ID, role)
	if err != nil {
		return Record{}, err
	}
	if err := s.store.AppendAudit(ctx, tx, updated.ID, action, &params.ActorID, nil); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit confirm: %w", err)
	}
	return updated, nil
}

type CaptureParams struct {
	IntentRef string
	ActorID   string
}

// Capture requests the processor capture once both parties have confirmed.
// Concurrent calls for the same intent collapse to a single processor request
// and share its reported status; the deterministic idempotency key makes
// retries across processes equally safe. The record is not marked completed
// here: the processor's callback is the authority for that transition.
func (s *Service) Capture(ctx context.Context, params CaptureParams) (gateway.IntentStatus, error) {
	if params.IntentRef == "" {
		return "", fmt.Errorf("payment: capture missing intent ref")
	}

	// Authorization is per-caller and must not be shared through the
	// collapsed capture below.
	rec, err := s.store.FindByIntentRef(ctx, params.IntentRef)
	if err != nil {
		return "", err
	}
	if _, ok := rec.RoleOf(params.ActorID); !ok {
		return "", ErrNotParticipant
	}

	v, err, _ := s.captures.Do(params.IntentRef, func() (any, error) {
		return s.captureOnce(ctx, params.IntentRef, params.ActorID)
	})
	if err != nil {
		return "", err
	}
	return v.(gateway.IntentStatus), nil
}

func (s *Service) captureOnce(ctx context.Context, intentRef, actorID string) (gateway.IntentStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read under the row lock: confirmation flags and status must be
	// current at call time, and a record a dispute already failed must not
	// reach the processor.
	rec, err := s.store.GetByIntentRefForUpdate(ctx, tx, intentRef)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusRequiresCapture {
		return "", ErrStateConflict
	}
	if !rec.BuyerConfirmed || !rec.SellerConfirmed {
		return "", &ConfirmationPendingError{
			MissingBuyer:  !rec.BuyerConfirmed,
			MissingSeller: !rec.SellerConfirmed,
		}
	}

	status, err := s.gw.Capture(ctx, intentRef, gateway.CaptureKey(intentRef))
	if err != nil {
		return "", err
	}

	detail := map[string]any{"intent_ref": intentRef, "intent_status": string(status)}
	if err := s.store.AppendAudit(ctx, tx, rec.ID, AuditIntentCaptured, &actorID, detail); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("payment: commit capture: %w", err)
	}
	return status, nil
}

// Get returns a record to one of its participants.
func (s *Service) Get(ctx context.Context, kind TargetKind, id, actorID string) (Record, error) {
	rec, err := s.store.Find(ctx, kind, id)
	if err != nil {
		return Record{}, err
	}
	if _, ok := rec.RoleOf(actorID); !ok {
		return Record{}, ErrNotParticipant
	}
	return rec, nil
}
