package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Confirmer repeatedly sets one party's confirmation flag on a payment, the
// way the confirm endpoint does: row lock, status check, flag update, audit.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, paymentID, actorID, column string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE id=$1 FOR UPDATE`, paymentID).Scan(&status)
		if err == nil && status == "requires_capture" {
			_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE payments SET %s = true WHERE id=$1`, column), paymentID)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO payment_audit_logs (payment_id, action, actor_id)
                                     VALUES ($1, $2, $3::uuid)`, paymentID, column, actorID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// WebhookWriter emulates the processor callback: register the event id for
// replay protection and complete the payment in the same transaction. Replays
// hit the primary key and change nothing.
func WebhookWriter(ctx context.Context, pool *pgxpool.Pool, paymentID, eventID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO processor_events (event_id) VALUES ($1)`, eventID)
		if err == nil {
			var tag pgconn.CommandTag
			tag, err = tx.Exec(ctx, `UPDATE payments SET status='completed', completed_at=now()
                                     WHERE id=$1 AND status='requires_capture'
                                       AND buyer_confirmed AND seller_confirmed`, paymentID)
			if err == nil && tag.RowsAffected() == 1 {
				_, _ = tx.Exec(ctx, `INSERT INTO payment_audit_logs (payment_id, action)
                                     VALUES ($1, 'capture_succeeded')`, paymentID)
			}
			if err == nil {
				_ = tx.Commit(ctx)
			}
		} else {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("webhook insert: %w", err)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer races to open disputes against the same payment. The partial
// unique index allows at most one open dispute; losers see 23505. An opened
// dispute forces the payment to failed under the same row lock.
func Disputer(ctx context.Context, pool *pgxpool.Pool, paymentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE id=$1 FOR UPDATE`, paymentID).Scan(&status)
		if err == nil {
			var dispID string
			err = tx.QueryRow(ctx, `INSERT INTO disputes (payment_id, reason) VALUES ($1, 'stress')
                                    RETURNING id`, paymentID).Scan(&dispID)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE payments SET status='failed', failed_at=now(), disputed_at=now()
                                       WHERE id=$1`, paymentID)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO payment_audit_logs (payment_id, action, detail)
                                         VALUES ($1, 'dispute_opened', jsonb_build_object('previous_status', $2::text))`, paymentID, status)
					_ = tx.Commit(ctx)
				}
			} else {
				var pgErr *pgconn.PgError
				if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
					_ = tx.Rollback(ctx)
					return fmt.Errorf("disputer insert: %w", err)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Resolver closes open disputes with random verdicts the way the operator
// path does: guard on status='open' so two resolvers cannot both win.
func Resolver(ctx context.Context, pool *pgxpool.Pool, paymentID string, stop <-chan struct{}) error {
	outcomes := []string{"resolved", "refunded", "rejected"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		outcome := outcomes[rand.Intn(len(outcomes))]
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dispID string
		err = tx.QueryRow(ctx, `SELECT id FROM disputes WHERE payment_id=$1 AND status='open' LIMIT 1 FOR UPDATE`, paymentID).Scan(&dispID)
		if err == nil {
			var tag pgconn.CommandTag
			tag, err = tx.Exec(ctx, `UPDATE disputes SET status=$2, resolved_at=now() WHERE id=$1 AND status='open'`, dispID, outcome)
			if err == nil && tag.RowsAffected() == 1 {
				if outcome == "refunded" {
					_, err = tx.Exec(ctx, `UPDATE payments SET status='refunded', refunded_at=now() WHERE id=$1`, paymentID)
				}
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO payment_audit_logs (payment_id, action)
                                         VALUES ($1, 'dispute_' || $2::text)`, paymentID, outcome)
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// MilestoneFunder races to put milestones for the same listing into
// requires_capture. The one-in-flight partial index rejects all but one.
func MilestoneFunder(ctx context.Context, pool *pgxpool.Pool, listingID, buyerID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO milestones (listing_id, buyer_id, seller_id, title, amount, intent_ref, status)
                                  VALUES ($1, $2, $3, 'stress milestone', 5000, 'pi_stress_' || gen_random_uuid()::text, 'requires_capture')`,
			listingID, buyerID, sellerID)
		if err != nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
				return fmt.Errorf("milestone funder insert: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Notifier writes notification rows for both parties, emulating the
// best-effort fanout that follows committed transitions.
func Notifier(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID string, stop <-chan struct{}) error {
	types := []string{"payment_completed", "dispute_opened", "dispute_refunded"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		for _, uid := range []string{buyerID, sellerID} {
			_, _ = pool.Exec(ctx, `INSERT INTO notifications (user_id, type, payload) VALUES ($1, $2, '{}'::jsonb)`, uid, ty)
		}
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}
