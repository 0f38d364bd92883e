package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the notification does not exist or belongs to another user.
var ErrNotFound = errors.New("notify: not found")

// Notifier fans out notification rows to affected users. Delivery is
// best-effort: insert failures are logged and swallowed so the owning state
// transition is never rolled back or blocked by notification trouble.
type Notifier struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewNotifier wires a pgxpool-backed notifier.
func NewNotifier(pool *pgxpool.Pool, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pool: pool, log: log}
}

// NotifyAll inserts one notification row per user. Errors never propagate.
func (n *Notifier) NotifyAll(ctx context.Context, userIDs []string, typ string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("notify: marshal payload", "type", typ, "err", err)
		return
	}

	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		_, err := n.pool.Exec(ctx, `
			INSERT INTO notifications (user_id, type, payload)
			VALUES ($1, $2, $3::jsonb)
		`, userID, typ, body)
		if err != nil {
			n.log.Error("notify: insert dropped",
				slog.String("user_id", userID),
				slog.String("type", typ),
				slog.Any("err", err),
			)
		}
	}
}

// List returns the newest notifications for a user.
func (n *Notifier) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := n.pool.Query(ctx, `
		SELECT id, user_id, type, payload, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Payload, &rec.Read, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate: %w", err)
	}
	return out, nil
}

// MarkRead flips a notification owned by the user to read.
func (n *Notifier) MarkRead(ctx context.Context, userID, notificationID string) (Record, error) {
	const query = `
		UPDATE notifications
		SET read = true
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, type, payload, read, created_at
	`

	var rec Record
	err := n.pool.QueryRow(ctx, query, notificationID, userID).
		Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Payload, &rec.Read, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("notify: mark read: %w", err)
	}
	return rec, nil
}
