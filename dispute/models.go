package dispute

import "time"

// Status represents the lifecycle of a dispute record. All states other than
// open are terminal: a closed dispute never reopens.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusRefunded Status = "refunded"
	StatusRejected Status = "rejected"
)

// Outcome is an operator's verdict on an open dispute.
type Outcome = Status

// Record mirrors the disputes table.
type Record struct {
	ID         string
	PaymentID  string
	Reason     *string
	Status     Status
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// paymentRow is the slice of the payments table the resolver acts on.
type paymentRow struct {
	ID        string
	BuyerID   string
	SellerID  string
	Status    string
	IntentRef *string
}
