package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/gateway"
	"escrowflow/listing"
)

func strPtr(s string) *string { return &s }

func testPayment(id, intentRef string) Record {
	return Record{
		ID:        id,
		Kind:      KindPayment,
		ListingID: "listing-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Amount:    10000,
		IntentRef: strPtr(intentRef),
		Status:    StatusRequiresCapture,
	}
}

func newTestService(store *fakeStore, gw *fakeGateway) *Service {
	listings := &fakeListings{listings: map[string]listing.Listing{
		"listing-1": {ID: "listing-1", SellerID: "seller-1", Title: "Site build", Price: 10000, Active: true},
	}}
	return NewService(&fakePool{}, store, gw, listings, &fakeNotifier{})
}

func TestConfirm_SetsFlagAndIsIdempotent(t *testing.T) {
	store := newFakeStore(testPayment("p1", "pi_1"))
	svc := newTestService(store, newFakeGateway())
	ctx := context.Background()

	rec, err := svc.Confirm(ctx, ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !rec.BuyerConfirmed || rec.SellerConfirmed {
		t.Fatalf("expected only buyer confirmed, got %+v", rec)
	}

	again, err := svc.Confirm(ctx, ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !again.BuyerConfirmed || again.SellerConfirmed {
		t.Fatalf("expected state unchanged, got %+v", again)
	}

	if got := store.auditActions("p1"); len(got) != 1 || got[0] != AuditBuyerConfirmed {
		t.Fatalf("expected one buyer_confirmed audit entry, got %v", got)
	}
}

func TestConfirm_ThirdPartyRejected(t *testing.T) {
	store := newFakeStore(testPayment("p1", "pi_1"))
	svc := newTestService(store, newFakeGateway())

	_, err := svc.Confirm(context.Background(), ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "intruder"})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestConfirm_TerminalRecordConflicts(t *testing.T) {
	rec := testPayment("p1", "pi_1")
	rec.Status = StatusCompleted
	store := newFakeStore(rec)
	svc := newTestService(store, newFakeGateway())

	_, err := svc.Confirm(context.Background(), ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "buyer-1"})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestConfirm_MissingRecord(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGateway())

	_, err := svc.Confirm(context.Background(), ConfirmParams{Kind: KindPayment, ID: "ghost", ActorID: "buyer-1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Scenario: buyer confirms, capture is refused naming the seller, seller
// confirms, capture succeeds exactly once with the deterministic key.
func TestCapture_GatedOnMutualConfirmation(t *testing.T) {
	store := newFakeStore(testPayment("p1", "pi_1"))
	gw := newFakeGateway()
	svc := newTestService(store, gw)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "buyer-1"}); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}

	_, err := svc.Capture(ctx, CaptureParams{IntentRef: "pi_1", ActorID: "buyer-1"})
	var pending *ConfirmationPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected ConfirmationPendingError, got %v", err)
	}
	if pending.MissingBuyer || !pending.MissingSeller {
		t.Fatalf("expected seller flagged missing, got %+v", pending)
	}
	if gw.captureCount() != 0 {
		t.Fatalf("gateway must not be invoked before both confirmations, got %d calls", gw.captureCount())
	}

	if _, err := svc.Confirm(ctx, ConfirmParams{Kind: KindPayment, ID: "p1", ActorID: "seller-1"}); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}

	status, err := svc.Capture(ctx, CaptureParams{IntentRef: "pi_1", ActorID: "buyer-1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if status != gateway.IntentSucceeded {
		t.Fatalf("expected succeeded status, got %s", status)
	}
	if gw.captureCount() != 1 {
		t.Fatalf("expected one gateway capture, got %d", gw.captureCount())
	}
	if gw.captureKeys[gateway.CaptureKey("pi_1")] != 1 {
		t.Fatalf("expected key %q used once, got %v", gateway.CaptureKey("pi_1"), gw.captureKeys)
	}

	// The gate never finalizes: completion belongs to the processor callback.
	rec, err := store.Find(ctx, KindPayment, "p1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Status != StatusRequiresCapture {
		t.Fatalf("capture must not flip status, got %s", rec.Status)
	}

	if got := store.auditActions("p1"); got[len(got)-1] != AuditIntentCaptured {
		t.Fatalf("expected intent_captured audit entry, got %v", got)
	}
}

func TestCapture_ThirdPartyRejected(t *testing.T) {
	rec := testPayment("p1", "pi_1")
	rec.BuyerConfirmed = true
	rec.SellerConfirmed = true
	store := newFakeStore(rec)
	gw := newFakeGateway()
	svc := newTestService(store, gw)

	_, err := svc.Capture(context.Background(), CaptureParams{IntentRef: "pi_1", ActorID: "intruder"})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if gw.captureCount() != 0 {
		t.Fatal("gateway must not be invoked for a third party")
	}
}

// A record a dispute already failed must never reach the processor.
func TestCapture_FailedRecordConflicts(t *testing.T) {
	rec := testPayment("p1", "pi_1")
	rec.BuyerConfirmed = true
	rec.SellerConfirmed = true
	rec.Status = StatusFailed
	store := newFakeStore(rec)
	gw := newFakeGateway()
	svc := newTestService(store, gw)

	_, err := svc.Capture(context.Background(), CaptureParams{IntentRef: "pi_1", ActorID: "buyer-1"})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if gw.captureCount() != 0 {
		t.Fatal("gateway must not be invoked for a failed record")
	}
}

func TestCapture_GatewayErrorPropagates(t *testing.T) {
	rec := testPayment("p1", "pi_1")
	rec.BuyerConfirmed = true
	rec.SellerConfirmed = true
	store := newFakeStore(rec)
	gw := newFakeGateway()
	gw.captureErr = gateway.ErrTimeout
	svc := newTestService(store, gw)

	_, err := svc.Capture(context.Background(), CaptureParams{IntentRef: "pi_1", ActorID: "buyer-1"})
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected gateway timeout, got %v", err)
	}
	if got := store.auditActions("p1"); len(got) != 0 {
		t.Fatalf("no audit entry expected when gateway fails, got %v", got)
	}
}

// Two concurrent captures while the gateway is slow: one processor call,
// both callers see the same reported status.
func TestCapture_ConcurrentCallsCollapse(t *testing.T) {
	rec := testPayment("p1", "pi_1")
	rec.BuyerConfirmed = true
	rec.SellerConfirmed = true
	store := newFakeStore(rec)
	gw := newFakeGateway()
	gw.latency = 200 * time.Millisecond
	svc := newTestService(store, gw)

	results := make([]gateway.IntentStatus, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		i := i
		actor := []string{"buyer-1", "seller-1"}[i]
		g.Go(func() error {
			status, err := svc.Capture(context.Background(), CaptureParams{IntentRef: "pi_1", ActorID: actor})
			results[i] = status
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent capture: %v", err)
	}

	if gw.captureCount() != 1 {
		t.Fatalf("expected exactly one gateway capture, got %d", gw.captureCount())
	}
	if gw.uniqueCaptureKeys() != 1 {
		t.Fatalf("expected one unique idempotency key, got %d", gw.uniqueCaptureKeys())
	}
	if results[0] != results[1] || results[0] != gateway.IntentSucceeded {
		t.Fatalf("callers must share the reported status, got %v", results)
	}
}

func TestCheckout_CreatesAuthorizedPayment(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	svc := newTestService(store, gw).WithIDGenerator(func() string { return "p-new" })

	rec, err := svc.Checkout(context.Background(), CheckoutParams{ListingID: "listing-1", BuyerID: "buyer-1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if rec.Status != StatusRequiresCapture {
		t.Fatalf("expected requires_capture, got %s", rec.Status)
	}
	if rec.BuyerConfirmed || rec.SellerConfirmed {
		t.Fatal("confirmation flags must start false")
	}
	if rec.IntentRef == nil || *rec.IntentRef == "" {
		t.Fatal("expected processor intent attached")
	}
	if rec.PlatformFee != 500 {
		t.Fatalf("expected 5%% platform fee on 10000, got %d", rec.PlatformFee)
	}
	if got := store.auditActions("p-new"); len(got) != 1 || got[0] != AuditPaymentCreated {
		t.Fatalf("expected payment_created audit, got %v", got)
	}
}

func TestCheckout_OwnListingRejected(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGateway())

	_, err := svc.Checkout(context.Background(), CheckoutParams{ListingID: "listing-1", BuyerID: "seller-1"})
	if err == nil {
		t.Fatal("expected error buying own listing")
	}
}

func TestMilestone_CreateAndFund(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	svc := newTestService(store, gw).WithIDGenerator(func() string { return "m1" })
	ctx := context.Background()

	ms, err := svc.CreateMilestone(ctx, MilestoneParams{
		ListingID: "listing-1",
		BuyerID:   "buyer-1",
		Title:     "design handoff",
		Amount:    4000,
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if ms.Status != StatusPending {
		t.Fatalf("expected pending, got %s", ms.Status)
	}
	if ms.IntentRef != nil {
		t.Fatal("pending milestone must not carry an intent")
	}

	if _, err := svc.FundMilestone(ctx, "m1", "seller-1"); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer for seller funding, got %v", err)
	}

	funded, err := svc.FundMilestone(ctx, "m1", "buyer-1")
	if err != nil {
		t.Fatalf("fund milestone: %v", err)
	}
	if funded.Status != StatusRequiresCapture {
		t.Fatalf("expected requires_capture, got %s", funded.Status)
	}
	if funded.IntentRef == nil {
		t.Fatal("expected intent attached after funding")
	}

	if _, err := svc.FundMilestone(ctx, "m1", "buyer-1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict funding twice, got %v", err)
	}
}

// Milestones travel through the same gate as payments.
func TestConfirmAndCapture_Milestone(t *testing.T) {
	ms := Record{
		ID:        "m1",
		Kind:      KindMilestone,
		ListingID: "listing-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Title:     "phase 1",
		Amount:    4000,
		IntentRef: strPtr("pi_m1"),
		Status:    StatusRequiresCapture,
	}
	store := newFakeStore(ms)
	gw := newFakeGateway()
	svc := newTestService(store, gw)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, ConfirmParams{Kind: KindMilestone, ID: "m1", ActorID: "buyer-1"}); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if _, err := svc.Confirm(ctx, ConfirmParams{Kind: KindMilestone, ID: "m1", ActorID: "seller-1"}); err != nil {
		t.Fatalf("seller confirm: %v", err)
	}

	status, err := svc.Capture(ctx, CaptureParams{IntentRef: "pi_m1", ActorID: "seller-1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if status != gateway.IntentSucceeded {
		t.Fatalf("unexpected status %s", status)
	}
	if gw.captureCount() != 1 {
		t.Fatalf("expected one capture, got %d", gw.captureCount())
	}
}
