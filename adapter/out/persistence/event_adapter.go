package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// EventAdapter implements out.EventRepository, the UI event feed.
type EventAdapter struct {
	db *sqlx.DB
}

var _ out.EventRepository = (*EventAdapter)(nil)

func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

type eventRow struct {
	ID         int64         `db:"id"`
	UserID     string        `db:"user_id"`
	Kind       string        `db:"kind"`
	MessageID  string        `db:"message_id"`
	ProjectIDs pq.Int64Array `db:"project_ids"`
	Detail     string        `db:"detail"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (r *eventRow) toEntity() *domain.ResolutionEvent {
	return &domain.ResolutionEvent{
		ID:         r.ID,
		UserID:     r.UserID,
		Kind:       domain.ResolutionEventKind(r.Kind),
		MessageID:  r.MessageID,
		ProjectIDs: r.ProjectIDs,
		Detail:     r.Detail,
		CreatedAt:  r.CreatedAt,
	}
}

func (a *EventAdapter) Append(ctx context.Context, e *domain.ResolutionEvent) error {
	ids := e.ProjectIDs
	if ids == nil {
		ids = []int64{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO resolution_events (id, user_id, kind, message_id, project_ids, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, string(e.Kind), e.MessageID, pq.Array(ids), e.Detail, e.CreatedAt)
	if err != nil {
		return apperr.DatabaseError("append event", err)
	}
	return nil
}

func (a *EventAdapter) ListRecent(ctx context.Context, userID string, limit int) ([]*domain.ResolutionEvent, error) {
	var rows []eventRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows, `
		SELECT * FROM resolution_events
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperr.DatabaseError("list recent events", err)
	}
	events := make([]*domain.ResolutionEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toEntity())
	}
	return events, nil
}
