package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// WatchAdapter implements out.WatchRepository. One row per user.
type WatchAdapter struct {
	db *sqlx.DB
}

var _ out.WatchRepository = (*WatchAdapter)(nil)

func NewWatchAdapter(db *sqlx.DB) *WatchAdapter {
	return &WatchAdapter{db: db}
}

type watchRow struct {
	UserID        string     `db:"user_id"`
	Kind          string     `db:"kind"`
	Topic         string     `db:"topic"`
	HistoryCursor string     `db:"history_cursor"`
	ExpiresAt     time.Time  `db:"expires_at"`
	LastPushAt    *time.Time `db:"last_push_at"`
	LastPollAt    *time.Time `db:"last_poll_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r *watchRow) toEntity() *domain.WatchSubscription {
	return &domain.WatchSubscription{
		UserID:        r.UserID,
		Kind:          domain.WatchKind(r.Kind),
		Topic:         r.Topic,
		HistoryCursor: r.HistoryCursor,
		ExpiresAt:     r.ExpiresAt,
		LastPushAt:    r.LastPushAt,
		LastPollAt:    r.LastPollAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Get returns (nil, nil) for a user with no subscription.
func (a *WatchAdapter) Get(ctx context.Context, userID string) (*domain.WatchSubscription, error) {
	var row watchRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM watch_subscriptions WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DatabaseError("get watch subscription", err)
	}
	return row.toEntity(), nil
}

func (a *WatchAdapter) Save(ctx context.Context, w *domain.WatchSubscription) error {
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO watch_subscriptions (user_id, kind, topic, history_cursor,
			expires_at, last_push_at, last_poll_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			topic = EXCLUDED.topic,
			history_cursor = EXCLUDED.history_cursor,
			expires_at = EXCLUDED.expires_at,
			last_push_at = EXCLUDED.last_push_at,
			last_poll_at = EXCLUDED.last_poll_at,
			updated_at = now()`,
		w.UserID, string(w.Kind), w.Topic, w.HistoryCursor,
		w.ExpiresAt, w.LastPushAt, w.LastPollAt)
	if err != nil {
		return apperr.DatabaseError("save watch subscription", err)
	}
	return nil
}

func (a *WatchAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchSubscription, error) {
	var rows []watchRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM watch_subscriptions
		 WHERE kind = 'push' AND expires_at < $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, apperr.DatabaseError("list expiring watches", err)
	}
	return watchesOf(rows), nil
}

func (a *WatchAdapter) ListAll(ctx context.Context) ([]*domain.WatchSubscription, error) {
	var rows []watchRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM watch_subscriptions ORDER BY user_id`)
	if err != nil {
		return nil, apperr.DatabaseError("list watches", err)
	}
	return watchesOf(rows), nil
}

func (a *WatchAdapter) Delete(ctx context.Context, userID string) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`DELETE FROM watch_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return apperr.DatabaseError("delete watch subscription", err)
	}
	return nil
}

func watchesOf(rows []watchRow) []*domain.WatchSubscription {
	subs := make([]*domain.WatchSubscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toEntity())
	}
	return subs
}
