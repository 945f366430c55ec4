package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// PatternAdapter implements out.PatternRepository. Patterns are
// deactivated, never edited; the partial unique index keeps one active
// rule per (user, type, pattern).
type PatternAdapter struct {
	db *sqlx.DB
}

var _ out.PatternRepository = (*PatternAdapter)(nil)

func NewPatternAdapter(db *sqlx.DB) *PatternAdapter {
	return &PatternAdapter{db: db}
}

type patternRow struct {
	ID         int64     `db:"id"`
	UserID     string    `db:"user_id"`
	Type       string    `db:"type"`
	Pattern    string    `db:"pattern"`
	ProjectID  int64     `db:"project_id"`
	Confidence float64   `db:"confidence"`
	UsageCount int       `db:"usage_count"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *patternRow) toEntity() *domain.LearningPattern {
	return &domain.LearningPattern{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       domain.PatternType(r.Type),
		Pattern:    r.Pattern,
		ProjectID:  r.ProjectID,
		Confidence: r.Confidence,
		UsageCount: r.UsageCount,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
	}
}

func (a *PatternAdapter) Upsert(ctx context.Context, p *domain.LearningPattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO learning_patterns (id, user_id, type, pattern, project_id, confidence,
			usage_count, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		ON CONFLICT (user_id, type, pattern) WHERE active DO UPDATE SET
			project_id = EXCLUDED.project_id,
			confidence = EXCLUDED.confidence`,
		p.ID, p.UserID, string(p.Type), p.Pattern, p.ProjectID, p.Confidence,
		p.UsageCount, p.CreatedAt)
	if err != nil {
		return apperr.DatabaseError("upsert pattern", err)
	}
	return nil
}

func (a *PatternAdapter) ListActive(ctx context.Context, userID string) ([]*domain.LearningPattern, error) {
	var rows []patternRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM learning_patterns WHERE user_id = $1 AND active ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, apperr.DatabaseError("list active patterns", err)
	}
	patterns := make([]*domain.LearningPattern, 0, len(rows))
	for i := range rows {
		patterns = append(patterns, rows[i].toEntity())
	}
	return patterns, nil
}

func (a *PatternAdapter) Deactivate(ctx context.Context, userID string, id int64) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE learning_patterns SET active = FALSE WHERE user_id = $1 AND id = $2`,
		userID, id)
	if err != nil {
		return apperr.DatabaseError("deactivate pattern", err)
	}
	return nil
}

func (a *PatternAdapter) IncrementUsage(ctx context.Context, id int64) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE learning_patterns SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return apperr.DatabaseError("increment pattern usage", err)
	}
	return nil
}
