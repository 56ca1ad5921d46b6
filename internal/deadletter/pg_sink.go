package deadletter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/dispatchd/internal/domain"
)

type pgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink returns a Sink backed by the dead_letters table.
func NewPgSink(pool *pgxpool.Pool) Sink {
	return &pgSink{pool: pool}
}

func (s *pgSink) Insert(ctx context.Context, e domain.DeadLetterEntry) error {
	// ON CONFLICT DO NOTHING keeps the insert idempotent: a nack retried after
	// a partial failure must not produce a second snapshot.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(notification_id, channel, recipient, content, priority,
			 attempt_count, final_error, first_enqueued_at, dead_lettered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (notification_id) DO NOTHING`,
		e.NotificationID, e.Channel, e.Recipient, e.Content, e.Priority,
		e.AttemptCount, e.FinalError, e.FirstEnqueued, e.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *pgSink) List(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, channel, recipient, content, priority,
		       attempt_count, final_error, first_enqueued_at, dead_lettered_at
		FROM dead_letters
		ORDER BY dead_lettered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(
			&e.NotificationID, &e.Channel, &e.Recipient, &e.Content, &e.Priority,
			&e.AttemptCount, &e.FinalError, &e.FirstEnqueued, &e.DeadLetteredAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *pgSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}
