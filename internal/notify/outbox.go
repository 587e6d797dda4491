package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists rendered messages.
type Store interface {
	Append(ctx context.Context, msgs []Message) error
	ListByOrder(ctx context.Context, orderID string) ([]Message, error)
}

// Outbox is the PostgreSQL backed Store.
type Outbox struct {
	pool *pgxpool.Pool
}

// NewOutbox constructs an Outbox.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// Append inserts all messages in one batch.
func (o *Outbox) Append(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`INSERT INTO notification_outbox (order_id, status, recipient, audience, body, link)
VALUES ($1, $2, $3, $4, $5, $6)`, m.OrderID, string(m.Status), m.Recipient, string(m.Audience), m.Body, m.Link)
	}
	if err := o.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

// ListByOrder returns an order's messages, oldest first.
func (o *Outbox) ListByOrder(ctx context.Context, orderID string) ([]Message, error) {
	rows, err := o.pool.Query(ctx, `SELECT id, order_id, status, recipient, audience, body, link, created_at
FROM notification_outbox WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OrderID, &m.Status, &m.Recipient, &m.Audience, &m.Body, &m.Link, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
