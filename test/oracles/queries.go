package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_dispute_per_payment",
			SQL: `SELECT payment_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_milestone_in_flight_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM milestones
                  WHERE status = 'requires_capture'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_completed_without_capture_evidence",
			SQL: `SELECT p.id FROM payments p
                  WHERE p.status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM payment_audit_logs a
                                    WHERE a.payment_id = p.id AND a.action = 'capture_succeeded')`,
		},
		{
			Name: "O4_completed_without_mutual_confirmation",
			SQL: `SELECT id FROM payments
                  WHERE status = 'completed'
                    AND NOT (buyer_confirmed AND seller_confirmed)`,
		},
		{
			Name: "O5_pending_milestone_confirmed",
			SQL: `SELECT id FROM milestones
                  WHERE status = 'pending' AND (buyer_confirmed OR seller_confirmed)`,
		},
		{
			Name: "O6_terminal_dispute_timestamps",
			SQL: `SELECT id FROM disputes
                  WHERE (status <> 'open' AND resolved_at IS NULL)
                     OR (status = 'open' AND resolved_at IS NOT NULL)`,
		},
		{
			Name: "O7_refund_without_refunded_dispute",
			SQL: `SELECT p.id FROM payments p
                  WHERE p.status = 'refunded'
                    AND NOT EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.payment_id = p.id AND d.status = 'refunded')`,
		},
		{
			Name: "O8_status_timestamp_consistency",
			SQL: `SELECT id FROM payments
                  WHERE (status = 'completed' AND completed_at IS NULL)
                     OR (status = 'failed' AND failed_at IS NULL)
                     OR (status = 'refunded' AND refunded_at IS NULL)`,
		},
		{
			Name: "O9_disputed_payment_left_capturable",
			SQL: `SELECT p.id FROM payments p
                  JOIN disputes d ON d.payment_id = p.id AND d.status = 'open'
                  WHERE p.status IN ('requires_capture', 'completed')`,
		},
		{
			Name: "O10_processor_event_replayed",
			SQL: `SELECT event_id, COUNT(*) FROM processor_events
                  GROUP BY event_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
