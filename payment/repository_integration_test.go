package payment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/notify"
)

// TestProcessorCallback_Integration connects to a real PostgreSQL via
// DATABASE_URL and verifies the webhook path end-to-end: completion, audit
// trail, notification fanout, and replay protection.
func TestProcessorCallback_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	// Ensure schema exists (migrations applied)
	for _, table := range []string{"payments", "processor_events", "payment_audit_logs", "notifications"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations/001_init.sql first", table)
		}
	}

	var (
		buyerID   string
		sellerID  string
		listingID string
		paymentID string
	)
	nano := time.Now().UnixNano()
	intentRef := fmt.Sprintf("pi_itest_%d", nano)
	eventID := fmt.Sprintf("evt_itest_%d", nano)

	mustQueryRow := func(query string, args ...any) pgx.Row {
		return pool.QueryRow(ctx, query, args...)
	}

	if err := mustQueryRow(`INSERT INTO users (email, full_name, password_hash, role)
        VALUES ($1, 'Itest Buyer', 'x', 'buyer') RETURNING id`,
		fmt.Sprintf("buyer+%d@example.com", nano)).Scan(&buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO users (email, full_name, password_hash, role)
        VALUES ($1, 'Itest Seller', 'x', 'seller') RETURNING id`,
		fmt.Sprintf("seller+%d@example.com", nano)).Scan(&sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO listings (seller_id, title, price)
        VALUES ($1, 'Itest Listing', 10000) RETURNING id`, sellerID).Scan(&listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	// payment already mutually confirmed and awaiting the processor callback
	if err := mustQueryRow(`
        INSERT INTO payments (listing_id, buyer_id, seller_id, amount, platform_fee, intent_ref,
                              status, buyer_confirmed, seller_confirmed)
        VALUES ($1, $2, $3, 10000, 500, $4, 'requires_capture', true, true) RETURNING id
    `, listingID, buyerID, sellerID, intentRef).Scan(&paymentID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	// Cleanup seeded rows after test (best-effort, ignore errors)
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM payment_audit_logs WHERE payment_id = $1`, paymentID)
		pool.Exec(ctx2, `DELETE FROM processor_events WHERE event_id = $1`, eventID)
		pool.Exec(ctx2, `DELETE FROM notifications WHERE user_id IN ($1, $2)`, buyerID, sellerID)
		pool.Exec(ctx2, `DELETE FROM payments WHERE id = $1`, paymentID)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id = $1`, listingID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, buyerID, sellerID)
	})

	notifier := notify.NewNotifier(pool, slog.Default())
	svc := NewService(pool, NewStore(pool), &fakeGateway{}, &fakeListings{}, notifier)

	ev := ProcessorEvent{EventID: eventID, IntentRef: intentRef, Kind: EventCaptureSucceeded}

	// First delivery completes the payment
	if err := svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("handle event (first): %v", err)
	}

	var status string
	var completedAt *time.Time
	if err := mustQueryRow(`SELECT status, completed_at FROM payments WHERE id = $1`, paymentID).Scan(&status, &completedAt); err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected payment status 'completed', got %q", status)
	}
	if completedAt == nil || completedAt.IsZero() {
		t.Fatal("expected completed_at to be set")
	}

	var auditCount int
	if err := mustQueryRow(`SELECT COUNT(*) FROM payment_audit_logs
        WHERE payment_id = $1 AND action = 'capture_succeeded'`, paymentID).Scan(&auditCount); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 capture_succeeded audit row, got %d", auditCount)
	}

	var notifCount int
	if err := mustQueryRow(`SELECT COUNT(*) FROM notifications
        WHERE type = 'payment_completed' AND user_id IN ($1, $2)`, buyerID, sellerID).Scan(&notifCount); err != nil {
		t.Fatalf("verify notifications: %v", err)
	}
	if notifCount != 2 {
		t.Fatalf("expected both parties notified, got %d rows", notifCount)
	}

	// Replay of the same event id must be a silent no-op
	if err := svc.HandleProcessorEvent(ctx, ev); err != nil {
		t.Fatalf("handle event (replay): %v", err)
	}

	if err := mustQueryRow(`SELECT COUNT(*) FROM payment_audit_logs
        WHERE payment_id = $1 AND action = 'capture_succeeded'`, paymentID).Scan(&auditCount); err != nil {
		t.Fatalf("re-verify audit: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected audit rows to remain 1 after replay, got %d", auditCount)
	}
	if err := mustQueryRow(`SELECT COUNT(*) FROM notifications
        WHERE type = 'payment_completed' AND user_id IN ($1, $2)`, buyerID, sellerID).Scan(&notifCount); err != nil {
		t.Fatalf("re-verify notifications: %v", err)
	}
	if notifCount != 2 {
		t.Fatalf("expected notifications to remain 2 after replay, got %d", notifCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
