// Package postgres persists a record of every message the dispatcher has
// handed to a RequestDispatcher, keyed by message ID. It exists so an
// operator can answer "did we actually process message X" independently of
// broker state, and so a handler's DeferMessageError-driven requeue can be
// told apart from a message seen for the first time.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightercommand/brightside-go/internal/message"
)

// Record is one outbox row: the envelope header, its outcome, and when it
// was last touched.
type Record struct {
	MessageID    uuid.UUID
	Topic        string
	MessageType  message.Type
	HandledCount int
	Outcome      string
	UpdatedAt    time.Time
}

// Outbox is a pgxpool-backed append/overwrite journal of handled messages.
type Outbox struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// Record upserts the outcome for m, identified by its header ID. outcome
// is a short operator-facing string: "dispatched", "deferred", "dropped",
// or "failed".
func (o *Outbox) Record(ctx context.Context, m *message.Message, outcome string) error {
	query := `
		INSERT INTO message_outbox (message_id, topic, message_type, handled_count, outcome, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO UPDATE
		SET handled_count = EXCLUDED.handled_count,
		    outcome = EXCLUDED.outcome,
		    updated_at = EXCLUDED.updated_at`

	_, err := o.pool.Exec(ctx, query,
		m.Header.ID, m.Header.Topic, int(m.Header.MessageType), m.Header.HandledCount, outcome, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: record outbox entry: %w", err)
	}
	return nil
}

// Get returns the outbox record for id, or (Record{}, false) if the
// message has never been recorded.
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (Record, bool, error) {
	query := `
		SELECT message_id, topic, message_type, handled_count, outcome, updated_at
		FROM message_outbox WHERE message_id = $1`

	var rec Record
	var msgType int
	err := o.pool.QueryRow(ctx, query, id).Scan(&rec.MessageID, &rec.Topic, &msgType, &rec.HandledCount, &rec.Outcome, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("postgres: get outbox entry: %w", err)
	}
	rec.MessageType = message.Type(msgType)
	return rec, true, nil
}
