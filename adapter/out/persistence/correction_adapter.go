package persistence

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// CorrectionAdapter implements out.CorrectionRepository. Corrections
// are append-only; only the processed flag is ever updated.
type CorrectionAdapter struct {
	db *sqlx.DB
}

var _ out.CorrectionRepository = (*CorrectionAdapter)(nil)

func NewCorrectionAdapter(db *sqlx.DB) *CorrectionAdapter {
	return &CorrectionAdapter{db: db}
}

type correctionRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	MessageID string    `db:"message_id"`
	ProjectID int64     `db:"project_id"`
	Original  []byte    `db:"original_result"`
	Corrected []byte    `db:"corrected_result"`
	Reason    string    `db:"reason"`
	Processed bool      `db:"processed"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *correctionRow) toEntity() (*domain.Correction, error) {
	c := &domain.Correction{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      domain.CorrectionType(r.Type),
		MessageID: r.MessageID,
		ProjectID: r.ProjectID,
		Reason:    r.Reason,
		Processed: r.Processed,
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Original, &c.Original); err != nil {
		return nil, apperr.DatabaseError("decode correction original", err)
	}
	if err := json.Unmarshal(r.Corrected, &c.Corrected); err != nil {
		return nil, apperr.DatabaseError("decode correction corrected", err)
	}
	return c, nil
}

func (a *CorrectionAdapter) Append(ctx context.Context, c *domain.Correction) error {
	original, err := json.Marshal(c.Original)
	if err != nil {
		return apperr.DatabaseError("encode correction", err)
	}
	corrected, err := json.Marshal(c.Corrected)
	if err != nil {
		return apperr.DatabaseError("encode correction", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO corrections (id, user_id, type, message_id, project_id,
			original_result, corrected_result, reason, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)`,
		c.ID, c.UserID, string(c.Type), c.MessageID, c.ProjectID,
		original, corrected, c.Reason, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.AlreadyExists("correction")
		}
		return apperr.DatabaseError("append correction", err)
	}
	return nil
}

func (a *CorrectionAdapter) ListUnprocessed(ctx context.Context, userID string, limit int) ([]*domain.Correction, error) {
	var rows []correctionRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows, `
		SELECT * FROM corrections
		WHERE user_id = $1 AND NOT processed
		ORDER BY created_at LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperr.DatabaseError("list unprocessed corrections", err)
	}
	corrections := make([]*domain.Correction, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}
	return corrections, nil
}

func (a *CorrectionAdapter) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := pick(ctx, a.db).SelectContext(ctx, &users,
		`SELECT DISTINCT user_id FROM corrections WHERE NOT processed`)
	if err != nil {
		return nil, apperr.DatabaseError("list correction users", err)
	}
	return users, nil
}

func (a *CorrectionAdapter) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE corrections SET processed = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return apperr.DatabaseError("mark corrections processed", err)
	}
	if _, err := pick(ctx, a.db).ExecContext(ctx, a.db.Rebind(query), args...); err != nil {
		return apperr.DatabaseError("mark corrections processed", err)
	}
	return nil
}

func (a *CorrectionAdapter) CountByProject(ctx context.Context, userID string, projectID int64) (int, error) {
	var n int
	err := pick(ctx, a.db).GetContext(ctx, &n,
		`SELECT count(*) FROM corrections WHERE user_id = $1 AND project_id = $2`,
		userID, projectID)
	if err != nil {
		return 0, apperr.DatabaseError("count corrections", err)
	}
	return n, nil
}
