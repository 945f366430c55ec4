package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// QueueAdapter implements out.QueueRepository. Reservation runs on the
// pgx pool with FOR UPDATE SKIP LOCKED so competing workers never block
// each other and never receive the same item. Enqueue runs on sqlx so a
// caller inside TxManager.InTx stages the insert on the ambient
// transaction: a rolled-back resolution leaves no task behind.
type QueueAdapter struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

var _ out.QueueRepository = (*QueueAdapter)(nil)

func NewQueueAdapter(pool *pgxpool.Pool, db *sqlx.DB) *QueueAdapter {
	return &QueueAdapter{pool: pool, db: db}
}

const queueColumns = `id, queue, user_id, dedup_key, payload, priority, status,
	attempts, next_visible_at, lease_expires, lease_worker, last_error, created_at, updated_at`

// qualified prefixes every column in a list with a table alias.
func qualified(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanQueueItem(row pgx.Row) (*domain.QueueItem, error) {
	var it domain.QueueItem
	var queue, status string
	err := row.Scan(&it.ID, &queue, &it.UserID, &it.DedupKey, &it.Payload, &it.Priority,
		&status, &it.Attempts, &it.NextVisibleAt, &it.LeaseExpires, &it.LeaseWorker,
		&it.LastError, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.Queue = domain.QueueName(queue)
	it.Status = domain.QueueStatus(status)
	return &it, nil
}

// Enqueue inserts the item, merging with a live duplicate instead of
// creating a second one. On merge the more urgent priority wins and
// visibility is pulled forward, never pushed back.
func (a *QueueAdapter) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if item.Priority == 0 {
		item.Priority = domain.PriorityDefault
	}
	if item.NextVisibleAt.IsZero() {
		item.NextVisibleAt = time.Now().UTC()
	}
	err := pick(ctx, a.db).QueryRowxContext(ctx, `
		INSERT INTO queue_items (queue, user_id, dedup_key, payload, priority, status, next_visible_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (queue, dedup_key) WHERE status IN ('pending', 'processing', 'failed')
		DO UPDATE SET
			priority = LEAST(queue_items.priority, EXCLUDED.priority),
			next_visible_at = LEAST(queue_items.next_visible_at, EXCLUDED.next_visible_at),
			updated_at = now()
		RETURNING id`,
		string(item.Queue), item.UserID, item.DedupKey, item.Payload,
		item.Priority, item.NextVisibleAt).Scan(&item.ID)
	if err != nil {
		return apperr.DatabaseError("enqueue", err)
	}
	return nil
}

// Reserve atomically claims up to n visible items for worker, ordered
// by priority then arrival. Attempts is counted up front so a crashed
// worker's lost attempt still shows in the item's history.
func (a *QueueAdapter) Reserve(ctx context.Context, queue domain.QueueName, worker string, n int, lease time.Duration) ([]*domain.QueueItem, error) {
	rows, err := a.pool.Query(ctx, `
		UPDATE queue_items q SET
			status = 'processing',
			attempts = q.attempts + 1,
			lease_worker = $1,
			lease_expires = $2,
			updated_at = now()
		FROM (
			SELECT id FROM queue_items
			WHERE queue = $3 AND status IN ('pending', 'failed') AND next_visible_at <= now()
			ORDER BY priority, next_visible_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) c
		WHERE q.id = c.id
		RETURNING `+qualified(queueColumns, "q"),
		worker, time.Now().UTC().Add(lease), string(queue), n)
	if err != nil {
		return nil, apperr.DatabaseError("reserve", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, apperr.DatabaseError("reserve scan", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.DatabaseError("reserve", err)
	}
	return items, nil
}

func (a *QueueAdapter) Complete(ctx context.Context, id int64) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'completed', lease_worker = '', lease_expires = NULL,
			last_error = '', updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return apperr.DatabaseError("complete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("queue item")
	}
	return nil
}

// Fail records a processing failure. Retryable failures go back to the
// queue, invisible for the provider-reported retryAfter when one came
// with the error, or exponential backoff otherwise, until maxAttempts;
// everything else dead-letters for operator review.
func (a *QueueAdapter) Fail(ctx context.Context, id int64, errSummary string, retryable bool, retryAfter time.Duration, maxAttempts int, backoffBase time.Duration) error {
	var attempts int
	err := a.pool.QueryRow(ctx, `SELECT attempts FROM queue_items WHERE id = $1`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("queue item")
	}
	if err != nil {
		return apperr.DatabaseError("fail lookup", err)
	}

	if !retryable || attempts >= maxAttempts {
		_, err = a.pool.Exec(ctx, `
			UPDATE queue_items SET status = 'dead', last_error = $2,
				lease_worker = '', lease_expires = NULL, updated_at = now()
			WHERE id = $1`, id, errSummary)
	} else {
		delay := domain.Backoff(backoffBase, attempts)
		if retryAfter > 0 {
			delay = retryAfter
		}
		_, err = a.pool.Exec(ctx, `
			UPDATE queue_items SET status = 'failed', last_error = $2,
				lease_worker = '', lease_expires = NULL,
				next_visible_at = $3, updated_at = now()
			WHERE id = $1`, id, errSummary, time.Now().UTC().Add(delay))
	}
	if err != nil {
		return apperr.DatabaseError("fail", err)
	}
	return nil
}

func (a *QueueAdapter) ExtendLease(ctx context.Context, id int64, lease time.Duration) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET lease_expires = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, time.Now().UTC().Add(lease))
	if err != nil {
		return apperr.DatabaseError("extend lease", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("queue item")
	}
	return nil
}

// ReleaseExpired returns items whose lease ran out to pending. Run on
// a schedule so crashed workers only delay, never strand, their items.
func (a *QueueAdapter) ReleaseExpired(ctx context.Context, queue domain.QueueName) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', lease_worker = '', lease_expires = NULL,
			updated_at = now()
		WHERE queue = $1 AND status = 'processing' AND lease_expires < now()`,
		string(queue))
	if err != nil {
		return 0, apperr.DatabaseError("release expired", err)
	}
	return int(tag.RowsAffected()), nil
}

func (a *QueueAdapter) ReleaseByWorker(ctx context.Context, worker string) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', lease_worker = '', lease_expires = NULL,
			updated_at = now()
		WHERE status = 'processing' AND lease_worker = $1`, worker)
	if err != nil {
		return 0, apperr.DatabaseError("release by worker", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseByUser parks a user's in-flight items back to pending, pushed
// an hour out. Used when the user's credentials expire mid-batch.
func (a *QueueAdapter) ReleaseByUser(ctx context.Context, userID string) (int, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', lease_worker = '', lease_expires = NULL,
			next_visible_at = now() + interval '1 hour', updated_at = now()
		WHERE status = 'processing' AND user_id = $1`, userID)
	if err != nil {
		return 0, apperr.DatabaseError("release by user", err)
	}
	return int(tag.RowsAffected()), nil
}

func (a *QueueAdapter) Stats(ctx context.Context, queue domain.QueueName) (*domain.QueueStats, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT status, count(*) FROM queue_items WHERE queue = $1 GROUP BY status`,
		string(queue))
	if err != nil {
		return nil, apperr.DatabaseError("queue stats", err)
	}
	defer rows.Close()

	stats := &domain.QueueStats{Queue: queue}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.DatabaseError("queue stats scan", err)
		}
		switch domain.QueueStatus(status) {
		case domain.StatusPending:
			stats.Pending = n
		case domain.StatusProcessing:
			stats.Processing = n
		case domain.StatusCompleted:
			stats.Completed = n
		case domain.StatusFailed:
			stats.Failed = n
		case domain.StatusDead:
			stats.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.DatabaseError("queue stats", err)
	}
	return stats, nil
}

func (a *QueueAdapter) ListDead(ctx context.Context, queue domain.QueueName, limit int) ([]*domain.QueueItem, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE queue = $1 AND status = 'dead'
		ORDER BY updated_at DESC LIMIT $2`,
		string(queue), limit)
	if err != nil {
		return nil, apperr.DatabaseError("list dead", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, apperr.DatabaseError("list dead scan", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.DatabaseError("list dead", err)
	}
	return items, nil
}

// ReplayDead returns a dead item to pending with a fresh attempt
// budget.
func (a *QueueAdapter) ReplayDead(ctx context.Context, id int64) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', attempts = 0, last_error = '',
			next_visible_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'dead'`, id)
	if err != nil {
		return apperr.DatabaseError("replay dead", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("dead queue item")
	}
	return nil
}
