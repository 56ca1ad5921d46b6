package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the transactional queue backend for moderate throughput.
//
// Mutual exclusion across worker processes rides on Postgres row locking:
// every claim takes exactly one row through FOR UPDATE SKIP LOCKED. A coarser
// "read the N oldest then update" approach would let two callers observe and
// select the identical set between read and write, so claims are deliberately
// a single-row-at-a-time loop.
//
// Record-side status updates happen in the same transaction as the entry
// mutation, so an ack is never visible without its sent mark and vice versa.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entryID := uuid.New().String()
	now := time.Now().UTC()

	if req.DedupKey != "" {
		var existing string
		err := tx.QueryRow(ctx,
			`SELECT id FROM queue_entries WHERE dedup_key = $1`, req.DedupKey).Scan(&existing)
		if err == nil {
			// Idempotent collision: an in-flight entry already covers this work.
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("dedup lookup: %w", err)
		}
	}

	var dedup *string
	if req.DedupKey != "" {
		dedup = &req.DedupKey
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries
			(id, notification_id, priority, status, visible_at,
			 attempt_count, max_attempts, dedup_key, enqueued_at)
		VALUES ($1,$2,$3,'pending',$4,0,$5,$6,$7)`,
		entryID, req.NotificationID, req.Priority, req.VisibleAt,
		req.MaxAttempts, dedup, now)
	if err != nil {
		return "", fmt.Errorf("insert queue entry: %w", err)
	}

	// A future-visible entry leaves the record pending; it only shows as
	// queued once it is claimable.
	if !req.VisibleAt.After(now) {
		if _, err := tx.Exec(ctx, `
			UPDATE notifications SET status = 'queued', updated_at = NOW()
			WHERE id = $1 AND status IN ('pending','failed')`,
			req.NotificationID); err != nil {
			return "", fmt.Errorf("mark queued: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	return entryID, nil
}

func (s *PgStore) Dequeue(ctx context.Context, ownerID string, maxCount int, leaseFor time.Duration) ([]*Entry, error) {
	entries := make([]*Entry, 0, maxCount)
	for len(entries) < maxCount {
		e, err := s.claimOne(ctx, ownerID, leaseFor)
		if err != nil {
			return entries, err
		}
		if e == nil {
			break // nothing claimable right now
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// claimOne claims exactly one visible pending entry, or nil when none exist.
func (s *PgStore) claimOne(ctx context.Context, ownerID string, leaseFor time.Duration) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `
		UPDATE queue_entries qe
		SET status = 'processing', owner_id = $1, lease_expires_at = NOW() + $2
		FROM (
			SELECT id FROM queue_entries
			WHERE status = 'pending' AND visible_at <= NOW()
			ORDER BY priority DESC, visible_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) candidate
		WHERE qe.id = candidate.id
		RETURNING qe.id, qe.notification_id, qe.priority, qe.visible_at,
		          qe.owner_id, qe.lease_expires_at, qe.attempt_count,
		          qe.max_attempts, qe.dedup_key, qe.last_error, qe.enqueued_at`,
		ownerID, leaseFor)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notifications SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','queued')`, e.NotificationID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return e, nil
}

func (s *PgStore) Ack(ctx context.Context, entryID, ownerID, providerMsgID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var notificationID string
	err = tx.QueryRow(ctx, `
		DELETE FROM queue_entries
		WHERE id = $1 AND owner_id = $2 AND status = 'processing'
		  AND lease_expires_at > NOW()
		RETURNING notification_id`, entryID, ownerID).Scan(&notificationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notifications
		SET status = 'sent', provider_msg_id = $1, sent_at = NOW(),
		    last_error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'`, providerMsgID, notificationID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}
	return nil
}

func (s *PgStore) Nack(ctx context.Context, entryID, ownerID string, cause error, delay time.Duration, retryable bool) (Disposition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin nack: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `
		SELECT id, notification_id, priority, visible_at, owner_id,
		       lease_expires_at, attempt_count, max_attempts, dedup_key,
		       last_error, enqueued_at
		FROM queue_entries
		WHERE id = $1 AND owner_id = $2 AND status = 'processing'
		  AND lease_expires_at > NOW()
		FOR UPDATE`, entryID, ownerID)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("lock entry: %w", err)
	}

	attempts := e.AttemptCount + 1
	errMsg := cause.Error()

	var cancelRequested bool
	if err := tx.QueryRow(ctx,
		`SELECT cancel_requested FROM notifications WHERE id = $1`,
		e.NotificationID).Scan(&cancelRequested); err != nil {
		return "", fmt.Errorf("read cancel flag: %w", err)
	}

	disposition := DispositionRequeued
	switch {
	case cancelRequested:
		disposition = DispositionCancelled
	case !retryable:
		disposition = DispositionFailed
	case attempts >= e.MaxAttempts:
		disposition = DispositionDeadLettered
	}

	if disposition == DispositionRequeued {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = 'pending', owner_id = NULL, lease_expires_at = NULL,
			    attempt_count = $1, visible_at = NOW() + $2, last_error = $3
			WHERE id = $4`, attempts, delay, errMsg, entryID)
		if err != nil {
			return "", fmt.Errorf("requeue entry: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'queued', attempt_count = $1, last_error = $2, updated_at = NOW()
			WHERE id = $3 AND status = 'processing'`, attempts, errMsg, e.NotificationID)
		if err != nil {
			return "", fmt.Errorf("mark requeued: %w", err)
		}
		return disposition, tx.Commit(ctx)
	}

	if disposition == DispositionDeadLettered {
		_, err = tx.Exec(ctx, `
			INSERT INTO dead_letters
				(notification_id, channel, recipient, content, priority,
				 attempt_count, final_error, first_enqueued_at, dead_lettered_at)
			SELECT n.id, n.channel, n.recipient, n.content, n.priority,
			       $1, $2, $3, NOW()
			FROM notifications n WHERE n.id = $4
			ON CONFLICT (notification_id) DO NOTHING`,
			attempts, errMsg, e.EnqueuedAt, e.NotificationID)
		if err != nil {
			return "", fmt.Errorf("insert dead letter: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, entryID); err != nil {
		return "", fmt.Errorf("delete entry: %w", err)
	}

	recordUpdate := `
		UPDATE notifications
		SET status = 'failed', attempt_count = $1, last_error = $2,
		    failed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('sent','cancelled','expired')`
	if disposition == DispositionCancelled {
		recordUpdate = `
			UPDATE notifications
			SET status = 'cancelled', attempt_count = $1, last_error = $2, updated_at = NOW()
			WHERE id = $3 AND status NOT IN ('sent','failed','expired')`
	}
	if _, err := tx.Exec(ctx, recordUpdate, attempts, errMsg, e.NotificationID); err != nil {
		return "", fmt.Errorf("mark terminal: %w", err)
	}

	return disposition, tx.Commit(ctx)
}

func (s *PgStore) ExtendLease(ctx context.Context, entryID, ownerID string, additional time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET lease_expires_at = lease_expires_at + $1
		WHERE id = $2 AND owner_id = $3 AND status = 'processing'
		  AND lease_expires_at > NOW()`, additional, entryID, ownerID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PgStore) ReapExpiredLeases(ctx context.Context, threshold, redeliveryDelay time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, notification_id, attempt_count, max_attempts, enqueued_at
		FROM queue_entries
		WHERE status = 'processing' AND lease_expires_at < NOW() - $1
		LIMIT 100
		FOR UPDATE SKIP LOCKED`, threshold)
	if err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}

	type expired struct {
		entryID        string
		notificationID string
		attempts       int
		maxAttempts    int
		enqueuedAt     time.Time
	}
	var batch []expired
	for rows.Next() {
		var x expired
		if err := rows.Scan(&x.entryID, &x.notificationID, &x.attempts, &x.maxAttempts, &x.enqueuedAt); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	const reapError = "lease expired: worker presumed dead"
	reaped := 0
	for _, x := range batch {
		attempts := x.attempts + 1
		if attempts >= x.maxAttempts {
			_, err = tx.Exec(ctx, `
				INSERT INTO dead_letters
					(notification_id, channel, recipient, content, priority,
					 attempt_count, final_error, first_enqueued_at, dead_lettered_at)
				SELECT n.id, n.channel, n.recipient, n.content, n.priority,
				       $1, $2, $3, NOW()
				FROM notifications n WHERE n.id = $4
				ON CONFLICT (notification_id) DO NOTHING`,
				attempts, reapError, x.enqueuedAt, x.notificationID)
			if err != nil {
				return 0, fmt.Errorf("dead letter reaped entry: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, x.entryID); err != nil {
				return 0, fmt.Errorf("delete reaped entry: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE notifications
				SET status = 'failed', attempt_count = $1, last_error = $2,
				    failed_at = NOW(), updated_at = NOW()
				WHERE id = $3 AND status NOT IN ('sent','cancelled','expired')`,
				attempts, reapError, x.notificationID); err != nil {
				return 0, fmt.Errorf("fail reaped record: %w", err)
			}
		} else {
			// The short redelivery delay avoids an instant re-collision with
			// an owner that is merely slow, not dead.
			if _, err := tx.Exec(ctx, `
				UPDATE queue_entries
				SET status = 'pending', owner_id = NULL, lease_expires_at = NULL,
				    attempt_count = $1, visible_at = NOW() + $2, last_error = $3
				WHERE id = $4`, attempts, redeliveryDelay, reapError, x.entryID); err != nil {
				return 0, fmt.Errorf("requeue reaped entry: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE notifications
				SET status = 'queued', attempt_count = $1, last_error = $2, updated_at = NOW()
				WHERE id = $3 AND status = 'processing'`,
				attempts, reapError, x.notificationID); err != nil {
				return 0, fmt.Errorf("requeue reaped record: %w", err)
			}
		}
		reaped++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reap: %w", err)
	}
	return reaped, nil
}

func (s *PgStore) Remove(ctx context.Context, notificationID string) error {
	// Only unleased entries may be removed; an in-flight attempt keeps its
	// entry until it resolves.
	_, err := s.pool.Exec(ctx,
		`DELETE FROM queue_entries WHERE notification_id = $1 AND status = 'pending'`,
		notificationID)
	return err
}

func (s *PgStore) Depths(ctx context.Context) (Depths, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT priority, COUNT(*)
		FROM queue_entries
		WHERE status = 'pending' AND visible_at <= NOW()
		GROUP BY priority`)
	if err != nil {
		return Depths{}, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	var d Depths
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return Depths{}, err
		}
		switch priority {
		case 3:
			d.Urgent = count
		case 2:
			d.High = count
		case 1:
			d.Normal = count
		default:
			d.Low = count
		}
	}
	return d, rows.Err()
}

func (s *PgStore) OldestVisibleAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(visible_at) FROM queue_entries
		WHERE status = 'pending' AND visible_at <= NOW()`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest visible age: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.NotificationID, &e.Priority, &e.VisibleAt,
		&e.OwnerID, &e.LeaseExpiresAt, &e.AttemptCount,
		&e.MaxAttempts, &e.DedupKey, &e.LastError, &e.EnqueuedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

var _ Adapter = (*PgStore)(nil)
