package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/dispatchd/internal/domain"
)

const notificationColumns = `
	id, batch_id, channel, recipient, content, priority, status,
	idempotency_key, attempt_count, max_attempts, scheduled_at, expires_at,
	callback_url, cancel_requested, provider_msg_id, last_error,
	sent_at, failed_at, created_at, updated_at`

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, batch_id, channel, recipient, content, priority, status,
			 idempotency_key, attempt_count, max_attempts, scheduled_at, expires_at,
			 callback_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		n.ID, n.BatchID, n.Channel, n.Recipient, n.Content, n.Priority, n.Status,
		n.IdempotencyKey, n.AttemptCount, n.MaxAttempts, n.ScheduledAt, n.ExpiresAt,
		n.CallbackURL, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idempotency_key") {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE idempotency_key = $1`, key)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int
	countQuery := "SELECT COUNT(*) FROM notifications" + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	// Append pagination args after the WHERE args.
	args = append(args, f.Limit, offset)
	limitPlaceholder := fmt.Sprintf("$%d", len(args)-1)
	offsetPlaceholder := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(`
		SELECT %s FROM notifications%s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`, notificationColumns, where, limitPlaceholder, offsetPlaceholder)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

// Status transitions carry WHERE guards so a terminal record can never move
// backward, regardless of caller ordering under concurrency.

func (r *pgNotificationRepository) MarkQueued(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'queued', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','failed')`, id)
	return err
}

func (r *pgNotificationRepository) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','queued')`, id)
	return err
}

func (r *pgNotificationRepository) MarkSent(ctx context.Context, id, providerMsgID string, sentAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'sent', provider_msg_id = $1, sent_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $3 AND status = 'processing'`, providerMsgID, sentAt, id)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', attempt_count = $1, last_error = $2,
		    failed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('sent','cancelled','expired')`, attempts, errMsg, id)
	return err
}

func (r *pgNotificationRepository) MarkRequeued(ctx context.Context, id string, attempts int, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'queued', attempt_count = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'processing'`, attempts, errMsg, id)
	return err
}

func (r *pgNotificationRepository) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('sent','failed','expired')`, id)
	return err
}

func (r *pgNotificationRepository) MarkExpired(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','queued')`, id)
	return err
}

func (r *pgNotificationRepository) RequestCancel(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	return err
}

func (r *pgNotificationRepository) CreateBatch(ctx context.Context, batchID string, notifications []*domain.Notification) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, n := range notifications {
		_, err = tx.Exec(ctx, `
			INSERT INTO notifications
				(id, batch_id, channel, recipient, content, priority, status,
				 idempotency_key, attempt_count, max_attempts, scheduled_at, expires_at,
				 callback_url, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			n.ID, n.BatchID, n.Channel, n.Recipient, n.Content, n.Priority, n.Status,
			n.IdempotencyKey, n.AttemptCount, n.MaxAttempts, n.ScheduledAt, n.ExpiresAt,
			n.CallbackURL, n.CreatedAt, n.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert batch notification: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) ListByBatch(ctx context.Context, batchID string) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE batch_id = $1 ORDER BY created_at ASC`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status IN ('pending','queued')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status IN ('sent','failed','cancelled','expired')
		  AND updated_at <= $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) Archive(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Copy to cold storage first; the delete only commits together with it.
	tag, err := tx.Exec(ctx, `
		INSERT INTO notifications_archive
		SELECT `+notificationColumns+`, NOW() AS archived_at
		FROM notifications WHERE id = ANY($1)
		ON CONFLICT (id) DO NOTHING`, ids)
	if err != nil {
		return 0, fmt.Errorf("archive copy: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notifications WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("archive delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgNotificationRepository) UpsertHeartbeat(ctx context.Context, hb domain.WorkerHeartbeat) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, hostname, claimed_count, last_beat_at, started_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (worker_id) DO UPDATE
		SET claimed_count = EXCLUDED.claimed_count, last_beat_at = EXCLUDED.last_beat_at`,
		hb.WorkerID, hb.Hostname, hb.ClaimedCount, hb.LastBeatAt, hb.StartedAt)
	return err
}

func (r *pgNotificationRepository) ListHeartbeats(ctx context.Context) ([]*domain.WorkerHeartbeat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT worker_id, hostname, claimed_count, last_beat_at, started_at
		FROM worker_heartbeats ORDER BY last_beat_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []*domain.WorkerHeartbeat
	for rows.Next() {
		var hb domain.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.Hostname, &hb.ClaimedCount, &hb.LastBeatAt, &hb.StartedAt); err != nil {
			return nil, err
		}
		beats = append(beats, &hb)
	}
	return beats, rows.Err()
}

// ---- helpers ----

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID, &n.BatchID, &n.Channel, &n.Recipient, &n.Content,
		&n.Priority, &n.Status, &n.IdempotencyKey,
		&n.AttemptCount, &n.MaxAttempts, &n.ScheduledAt, &n.ExpiresAt,
		&n.CallbackURL, &n.CancelRequested, &n.ProviderMsgID, &n.LastError,
		&n.SentAt, &n.FailedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("channel = $%d", *f.Channel)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
