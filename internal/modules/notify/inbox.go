// README: Postgres inbox so reconnecting clients can list recent envelopes.
package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"courierhub/internal/types"
)

const defaultInboxLimit = 50

type Inbox struct {
	db *pgxpool.Pool
}

func NewInbox(db *pgxpool.Pool) *Inbox {
	return &Inbox{db: db}
}

func (i *Inbox) Publish(ctx context.Context, env Envelope) error {
	_, err := i.db.Exec(ctx, `
		INSERT INTO notifications (id, recipient_id, event_type, title, body, category, order_id, chat_id, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		env.ID, string(env.RecipientID), string(env.EventType), env.Title, env.Body, env.Category,
		nullableID(env.OrderID), nullableID(env.ChatID), env.Summary, env.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns the newest envelopes for recipient first.
func (i *Inbox) List(ctx context.Context, recipient types.ID, limit int) ([]Envelope, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultInboxLimit
	}
	rows, err := i.db.Query(ctx, `
		SELECT id, recipient_id, event_type, title, body, category, order_id, chat_id, summary, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(recipient), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env             Envelope
			recipientID     string
			eventType       string
			orderID, chatID *string
		)
		if err := rows.Scan(&env.ID, &recipientID, &eventType, &env.Title, &env.Body, &env.Category,
			&orderID, &chatID, &env.Summary, &env.CreatedAt); err != nil {
			return nil, err
		}
		env.RecipientID = types.ID(recipientID)
		env.EventType = EventType(eventType)
		if orderID != nil {
			env.OrderID = types.ID(*orderID)
		}
		if chatID != nil {
			env.ChatID = types.ID(*chatID)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func nullableID(id types.ID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}
