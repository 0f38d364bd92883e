package notify

import "time"

// Notification types emitted by the payments and disputes flows.
const (
	TypeDisputeOpened    = "dispute_opened"
	TypeDisputeResolved  = "dispute_resolved"
	TypeDisputeRefunded  = "dispute_refunded"
	TypeDisputeRejected  = "dispute_rejected"
	TypePaymentCompleted = "payment_completed"
	TypePaymentFailed    = "payment_failed"
)

// Record mirrors the notifications table.
type Record struct {
	ID        string
	UserID    string
	Type      string
	Payload   []byte
	Read      bool
	CreatedAt time.Time
}
