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

// MappingAdapter implements out.MappingRepository. The partial unique
// index on (user_id, message_id) WHERE active enforces at most one
// active mapping per message.
type MappingAdapter struct {
	db *sqlx.DB
}

var _ out.MappingRepository = (*MappingAdapter)(nil)

func NewMappingAdapter(db *sqlx.DB) *MappingAdapter {
	return &MappingAdapter{db: db}
}

type mappingRow struct {
	ID                int64      `db:"id"`
	UserID            string     `db:"user_id"`
	MessageID         string     `db:"message_id"`
	ThreadID          string     `db:"thread_id"`
	ProjectID         int64      `db:"project_id"`
	Confidence        float64    `db:"confidence"`
	Method            string     `db:"association_method"`
	IsPrimary         bool       `db:"is_primary"`
	Active            bool       `db:"active"`
	NeedsReview       bool       `db:"needs_review"`
	SplitFromThread   bool       `db:"split_from_thread"`
	ReflectionPending bool       `db:"reflection_pending"`
	Subject           string     `db:"subject"`
	SenderName        string     `db:"sender_name"`
	SenderEmail       string     `db:"sender_email"`
	MessageDate       *time.Time `db:"message_date"`
	Snippet           string     `db:"snippet"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (r *mappingRow) toEntity() *domain.Mapping {
	return &domain.Mapping{
		ID:                r.ID,
		UserID:            r.UserID,
		MessageID:         r.MessageID,
		ThreadID:          r.ThreadID,
		ProjectID:         r.ProjectID,
		Confidence:        r.Confidence,
		Method:            domain.AssociationMethod(r.Method),
		Primary:           r.IsPrimary,
		Active:            r.Active,
		NeedsReview:       r.NeedsReview,
		SplitFromThread:   r.SplitFromThread,
		ReflectionPending: r.ReflectionPending,
		Subject:           r.Subject,
		SenderName:        r.SenderName,
		SenderEmail:       r.SenderEmail,
		MessageDate:       r.MessageDate,
		Snippet:           r.Snippet,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func mappingsOf(rows []mappingRow) []*domain.Mapping {
	out := make([]*domain.Mapping, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntity())
	}
	return out
}

// Upsert inserts the mapping, or repoints the existing active mapping
// for the same (user, message) in place.
func (a *MappingAdapter) Upsert(ctx context.Context, m *domain.Mapping) error {
	m.Active = true
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO mappings (id, user_id, message_id, thread_id, project_id, confidence,
			association_method, is_primary, active, needs_review, split_from_thread,
			reflection_pending, subject, sender_name, sender_email, message_date, snippet,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		ON CONFLICT (user_id, message_id) WHERE active DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			project_id = EXCLUDED.project_id,
			confidence = EXCLUDED.confidence,
			association_method = EXCLUDED.association_method,
			is_primary = EXCLUDED.is_primary,
			needs_review = EXCLUDED.needs_review,
			split_from_thread = EXCLUDED.split_from_thread,
			reflection_pending = EXCLUDED.reflection_pending,
			subject = EXCLUDED.subject,
			sender_name = EXCLUDED.sender_name,
			sender_email = EXCLUDED.sender_email,
			message_date = EXCLUDED.message_date,
			snippet = EXCLUDED.snippet,
			updated_at = now()`,
		m.ID, m.UserID, m.MessageID, m.ThreadID, m.ProjectID, m.Confidence,
		string(m.Method), m.Primary, m.NeedsReview, m.SplitFromThread,
		m.ReflectionPending, m.Subject, m.SenderName, m.SenderEmail, m.MessageDate, m.Snippet)
	if err != nil {
		return apperr.DatabaseError("upsert mapping", err)
	}
	return nil
}

func (a *MappingAdapter) GetActive(ctx context.Context, userID, messageID string) (*domain.Mapping, error) {
	var row mappingRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM mappings WHERE user_id = $1 AND message_id = $2 AND active`,
		userID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DatabaseError("get active mapping", err)
	}
	return row.toEntity(), nil
}

func (a *MappingAdapter) ListByProject(ctx context.Context, userID string, projectID int64, limit int) ([]*domain.Mapping, error) {
	query := `SELECT * FROM mappings
		WHERE user_id = $1 AND project_id = $2 AND active
		ORDER BY message_date DESC NULLS LAST`
	args := []any{userID, projectID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	var rows []mappingRow
	if err := pick(ctx, a.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.DatabaseError("list mappings by project", err)
	}
	return mappingsOf(rows), nil
}

func (a *MappingAdapter) ListByThread(ctx context.Context, userID, threadID string) ([]*domain.Mapping, error) {
	var rows []mappingRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM mappings WHERE user_id = $1 AND thread_id = $2 ORDER BY created_at`,
		userID, threadID)
	if err != nil {
		return nil, apperr.DatabaseError("list mappings by thread", err)
	}
	return mappingsOf(rows), nil
}

func (a *MappingAdapter) ListSenderEmails(ctx context.Context, userID string, projectID int64) ([]string, error) {
	var emails []string
	err := pick(ctx, a.db).SelectContext(ctx, &emails,
		`SELECT DISTINCT sender_email FROM mappings
		 WHERE user_id = $1 AND project_id = $2 AND active AND sender_email <> ''`,
		userID, projectID)
	if err != nil {
		return nil, apperr.DatabaseError("list sender emails", err)
	}
	return emails, nil
}

func (a *MappingAdapter) Deactivate(ctx context.Context, userID, messageID string) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE mappings SET active = FALSE, updated_at = now()
		 WHERE user_id = $1 AND message_id = $2 AND active`,
		userID, messageID)
	if err != nil {
		return apperr.DatabaseError("deactivate mapping", err)
	}
	return nil
}

// Repoint moves active mappings from one project to another. An empty
// messageIDs slice moves every mapping on the source project.
func (a *MappingAdapter) Repoint(ctx context.Context, userID string, fromProject, toProject int64, messageIDs []string) (int, error) {
	q := pick(ctx, a.db)
	query := `UPDATE mappings SET project_id = ?, updated_at = now()
		WHERE user_id = ? AND project_id = ? AND active`
	args := []any{toProject, userID, fromProject}
	if len(messageIDs) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND message_id IN (?)`, toProject, userID, fromProject, messageIDs)
		if err != nil {
			return 0, apperr.DatabaseError("repoint mappings", err)
		}
	}
	res, err := q.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		return 0, apperr.DatabaseError("repoint mappings", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.DatabaseError("repoint mappings", err)
	}
	return int(n), nil
}

func (a *MappingAdapter) SetReflectionPending(ctx context.Context, userID, messageID string, pending bool) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE mappings SET reflection_pending = $3, updated_at = now()
		 WHERE user_id = $1 AND message_id = $2 AND active`,
		userID, messageID, pending)
	if err != nil {
		return apperr.DatabaseError("set reflection pending", err)
	}
	return nil
}

func (a *MappingAdapter) ListReflectionPending(ctx context.Context, userID string, limit int) ([]*domain.Mapping, error) {
	var rows []mappingRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM mappings
		 WHERE user_id = $1 AND reflection_pending AND active
		 ORDER BY updated_at LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, apperr.DatabaseError("list reflection pending", err)
	}
	return mappingsOf(rows), nil
}

func (a *MappingAdapter) CountActive(ctx context.Context, userID string, projectID int64) (int, error) {
	var n int
	err := pick(ctx, a.db).GetContext(ctx, &n,
		`SELECT count(*) FROM mappings WHERE user_id = $1 AND project_id = $2 AND active`,
		userID, projectID)
	if err != nil {
		return 0, apperr.DatabaseError("count active mappings", err)
	}
	return n, nil
}

func (a *MappingAdapter) LastActiveAt(ctx context.Context, userID string, projectID int64) (*time.Time, error) {
	var last sql.NullTime
	err := pick(ctx, a.db).GetContext(ctx, &last,
		`SELECT max(message_date) FROM mappings
		 WHERE user_id = $1 AND project_id = $2 AND active`,
		userID, projectID)
	if err != nil {
		return nil, apperr.DatabaseError("last active mapping", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}
