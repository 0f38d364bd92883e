package payment

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/notify"
)

// HandleProcessorEvent applies the processor's asynchronous verdict on a
// capture. It is the only writer allowed to move a record to completed:
// "money actually moved" is the processor's call, not the application's.
// Replays are collapsed by the processor event id; a success arriving after
// the record already left requires_capture (e.g. a dispute failed it) leaves
// the status alone but records an audit entry explaining the mismatch.
func (s *Service) HandleProcessorEvent(ctx context.Context, ev ProcessorEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("payment: missing processor event id")
	}
	if ev.IntentRef == "" {
		return fmt.Errorf("payment: missing intent ref")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertProcessorEvent(ctx, tx, ev.EventID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	rec, err := s.store.GetByIntentRefForUpdate(ctx, tx, ev.IntentRef)
	if err != nil {
		return err
	}

	var (
		notifyType string
		updated    Record
	)
	switch ev.Kind {
	case EventCaptureSucceeded:
		if rec.Status != StatusRequiresCapture {
			detail := map[string]any{
				"event_id":      ev.EventID,
				"record_status": string(rec.Status),
				"note":          "capture confirmed after record left requires_capture",
			}
			if err := s.store.AppendAudit(ctx, tx, rec.ID, AuditCaptureSucceeded, nil, detail); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
		updated, err = s.store.MarkCompleted(ctx, tx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		notifyType = notify.TypePaymentCompleted
		if err := s.store.AppendAudit(ctx, tx, rec.ID, AuditCaptureSucceeded, nil, map[string]any{"event_id": ev.EventID}); err != nil {
			return err
		}

	case EventCaptureFailed:
		if rec.Status != StatusRequiresCapture {
			return tx.Commit(ctx)
		}
		updated, err = s.store.MarkFailed(ctx, tx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		notifyType = notify.TypePaymentFailed
		if err := s.store.AppendAudit(ctx, tx, rec.ID, AuditCaptureFailed, nil, map[string]any{"event_id": ev.EventID}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("payment: unknown processor event kind %q", ev.Kind)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit processor event: %w", err)
	}

	if s.notifier != nil && notifyType != "" {
		payload := map[string]any{
			"record_id": updated.ID,
			"kind":      string(updated.Kind),
			"status":    string(updated.Status),
		}
		s.notifier.NotifyAll(ctx, []string{updated.BuyerID, updated.SellerID}, notifyType, payload)
	}
	return nil
}
