package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"sharerepo/ledger"
)

// setTimelineActor scopes the acting account to the current transaction so
// timeline rows pick it up through the column default.
func setTimelineActor(ctx context.Context, tx pgx.Tx, actor ledger.Address) error {
	if actor == ledger.ZeroAddress {
		return fmt.Errorf("store: timeline actor missing")
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.actor', $1, true)`, actor.Hex()); err != nil {
		return fmt.Errorf("store: set timeline actor: %w", err)
	}
	return nil
}

type outboxPayload struct {
	Seq     uint64          `json:"seq"`
	Subject string          `json:"subject"`
	Type    string          `json:"type"`
	Time    string          `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// RecordEvents appends every event of one ledger call to the timeline and
// enqueues a matching outbox message, inside the caller's transaction.
func (r *Repository) RecordEvents(ctx context.Context, tx pgx.Tx, params RecordEventsParams) error {
	if len(params.Events) == 0 {
		return nil
	}
	if err := setTimelineActor(ctx, tx, params.Actor); err != nil {
		return err
	}

	const timelineSQL = `
INSERT INTO timeline_events (subject, seq, idx, type, payload, ts)
VALUES ($1, $2, $3, $4, $5, $6);
`
	const outboxSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`

	for i, se := range params.Events {
		data, err := json.Marshal(se.Event.Data)
		if err != nil {
			return fmt.Errorf("store: marshal %s payload: %w", se.Event.Type, err)
		}
		ts := se.Event.Timestamp.UTC()
		if _, err := tx.Exec(ctx, timelineSQL, se.Subject, int64(params.Seq), i, string(se.Event.Type), data, ts); err != nil {
			return fmt.Errorf("store: insert timeline event: %w", err)
		}

		msg, err := json.Marshal(outboxPayload{
			Seq:     params.Seq,
			Subject: se.Subject,
			Type:    string(se.Event.Type),
			Time:    ts.Format(time.RFC3339Nano),
			Data:    data,
		})
		if err != nil {
			return fmt.Errorf("store: marshal outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx, outboxSQL, uuid.NewString(), string(se.Event.Type), msg); err != nil {
			return fmt.Errorf("store: insert outbox message: %w", err)
		}
	}
	return nil
}

// Timeline returns the events filed under subject in commit order.
func (r *Repository) Timeline(ctx context.Context, tx pgx.Tx, subject string, limit int) ([]TimelineEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := tx.Query(ctx, `
SELECT id, subject, seq, idx, type, actor, ts, payload
FROM timeline_events
WHERE subject = $1
ORDER BY seq, idx
LIMIT $2
`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var (
			ev  TimelineEvent
			seq int64
		)
		if err := rows.Scan(&ev.ID, &ev.Subject, &seq, &ev.Index, &ev.Type, &ev.Actor, &ev.Timestamp, &ev.Payload); err != nil {
			return nil, fmt.Errorf("store: scan timeline: %w", err)
		}
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClaimOutbox locks up to limit pending messages for the caller's transaction.
// Concurrent relays skip rows already claimed.
func (r *Repository) ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxMessage, error) {
	rows, err := tx.Query(ctx, `
SELECT id::text, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
FOR UPDATE SKIP LOCKED
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) MarkOutboxProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark outbox processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("store: outbox message not found")
	}
	return nil
}

// MarkOutboxFailed counts a failed delivery; the message is parked as dead
// once it reaches maxAttempts.
func (r *Repository) MarkOutboxFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = now(),
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1
`, id, maxAttempts); err != nil {
		return fmt.Errorf("store: mark outbox failed: %w", err)
	}
	return nil
}
