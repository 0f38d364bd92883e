package gateway

import (
	"context"
	"errors"
	"fmt"
)

// IntentStatus is the processor-reported state of a payment intent.
type IntentStatus string

const (
	IntentRequiresCapture IntentStatus = "requires_capture"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
	IntentProcessing      IntentStatus = "processing"
)

// ErrTimeout signals the processor call exceeded its deadline. Safe to retry:
// the idempotency key collapses duplicates on the processor side.
var ErrTimeout = errors.New("gateway: timeout")

// RejectedError carries the processor's reason for refusing an operation.
// Not safe to retry automatically.
type RejectedError struct {
	Code string
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway: rejected (%s): %s", e.Code, e.Msg)
}

// CreateIntentParams describes a new manual-capture intent.
type CreateIntentParams struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Gateway abstracts the external payment processor. Capture must be invoked
// with an idempotency key so repeated calls produce one processor-side effect.
type Gateway interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (string, error)
	Capture(ctx context.Context, intentRef, idempotencyKey string) (IntentStatus, error)
	Refund(ctx context.Context, intentRef string) (IntentStatus, error)
}

// CaptureKey derives the deterministic idempotency key for capturing an
// intent. Every caller capturing the same intent sends the same key.
func CaptureKey(intentRef string) string {
	return "capture:" + intentRef
}
