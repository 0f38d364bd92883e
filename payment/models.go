package payment

import "time"

// Status represents the lifecycle of a payment or milestone record.
type Status string

const (
	// StatusPending applies to milestones only: created but not yet funded.
	StatusPending Status = "pending"
	// StatusRequiresCapture means funds are authorized and the record is
	// waiting on mutual confirmation before capture.
	StatusRequiresCapture Status = "requires_capture"
	StatusCompleted       Status = "completed"
	StatusRefunded        Status = "refunded"
	StatusFailed          Status = "failed"
)

// TargetKind distinguishes the two ledger tables sharing the capture lifecycle.
type TargetKind string

const (
	KindPayment   TargetKind = "payment"
	KindMilestone TargetKind = "milestone"
)

// PartyRole identifies which side of the transaction an actor is on.
type PartyRole string

const (
	PartyBuyer  PartyRole = "buyer"
	PartySeller PartyRole = "seller"
)

// Audit actions recorded in payment_audit_logs.
const (
	AuditPaymentCreated   = "payment_created"
	AuditMilestoneCreated = "milestone_created"
	AuditMilestoneFunded  = "milestone_funded"
	AuditBuyerConfirmed   = "buyer_confirmed"
	AuditSellerConfirmed  = "seller_confirmed"
	AuditIntentCaptured   = "intent_captured"
	AuditCaptureSucceeded = "capture_succeeded"
	AuditCaptureFailed    = "capture_failed"
)

// Record is the unified view of a payments or milestones row. Title is only
// populated for milestones; RefundedAt and DisputedAt only for payments.
type Record struct {
	ID              string
	Kind            TargetKind
	ListingID       string
	BuyerID         string
	SellerID        string
	Title           string
	Amount          int64
	PlatformFee     int64
	IntentRef       *string
	Status          Status
	BuyerConfirmed  bool
	SellerConfirmed bool
	CompletedAt     *time.Time
	FailedAt        *time.Time
	RefundedAt      *time.Time
	DisputedAt      *time.Time
	CreatedAt       time.Time
}

// RoleOf resolves the actor's role on this record. The second return is false
// for third parties.
func (r Record) RoleOf(actorID string) (PartyRole, bool) {
	switch actorID {
	case "":
		return "", false
	case r.BuyerID:
		return PartyBuyer, true
	case r.SellerID:
		return PartySeller, true
	default:
		return "", false
	}
}

// EventKind tags processor callback events.
type EventKind string

const (
	EventCaptureSucceeded EventKind = "capture_succeeded"
	EventCaptureFailed    EventKind = "capture_failed"
)

// ProcessorEvent is the normalized processor webhook payload. EventID is the
// processor-assigned event identifier used for replay protection.
type ProcessorEvent struct {
	EventID   string
	IntentRef string
	Kind      EventKind
}
