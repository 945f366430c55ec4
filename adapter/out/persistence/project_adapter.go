package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// ProjectAdapter implements out.ProjectRepository.
type ProjectAdapter struct {
	db *sqlx.DB
}

var _ out.ProjectRepository = (*ProjectAdapter)(nil)

func NewProjectAdapter(db *sqlx.DB) *ProjectAdapter {
	return &ProjectAdapter{db: db}
}

type projectRow struct {
	ID          int64      `db:"id"`
	UserID      string     `db:"user_id"`
	Name        string     `db:"name"`
	Aliases     []byte     `db:"aliases"`
	Address     []byte     `db:"address"`
	JobNumbers  []byte     `db:"job_numbers"`
	Client      []byte     `db:"client"`
	Status      string     `db:"status"`
	EmailCount  int        `db:"email_count"`
	LastEmailAt *time.Time `db:"last_email_at"`
	Confidence  float64    `db:"confidence"`
	NeedsReview bool       `db:"needs_review"`
	Version     int64      `db:"version"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *projectRow) toEntity() (*domain.Project, error) {
	p := &domain.Project{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Status:      domain.ProjectStatus(r.Status),
		EmailCount:  r.EmailCount,
		LastEmailAt: r.LastEmailAt,
		Confidence:  r.Confidence,
		NeedsReview: r.NeedsReview,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Aliases, &p.Aliases); err != nil {
		return nil, apperr.DatabaseError("decode project aliases", err)
	}
	if err := json.Unmarshal(r.Address, &p.Address); err != nil {
		return nil, apperr.DatabaseError("decode project address", err)
	}
	if err := json.Unmarshal(r.JobNumbers, &p.JobNumbers); err != nil {
		return nil, apperr.DatabaseError("decode project job numbers", err)
	}
	if err := json.Unmarshal(r.Client, &p.Client); err != nil {
		return nil, apperr.DatabaseError("decode project client", err)
	}
	return p, nil
}

func projectJSON(p *domain.Project) (aliases, address, jobNumbers, client []byte, err error) {
	if aliases, err = json.Marshal(emptySlice(p.Aliases)); err != nil {
		return
	}
	if address, err = json.Marshal(p.Address); err != nil {
		return
	}
	if jobNumbers, err = json.Marshal(emptySlice(p.JobNumbers)); err != nil {
		return
	}
	client, err = json.Marshal(p.Client)
	return
}

// emptySlice keeps JSONB columns as [] instead of null.
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (a *ProjectAdapter) Create(ctx context.Context, p *domain.Project) error {
	aliases, address, jobNumbers, client, err := projectJSON(p)
	if err != nil {
		return apperr.DatabaseError("encode project", err)
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name, aliases, address, job_numbers, client,
			status, email_count, last_email_at, confidence, needs_review, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.UserID, p.Name, aliases, address, jobNumbers, client,
		string(p.Status), p.EmailCount, p.LastEmailAt, p.Confidence, p.NeedsReview,
		p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.AlreadyExists("project")
		}
		return apperr.DatabaseError("create project", err)
	}
	return nil
}

func (a *ProjectAdapter) GetByID(ctx context.Context, userID string, id int64) (*domain.Project, error) {
	var row projectRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM projects WHERE user_id = $1 AND id = $2`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project")
	}
	if err != nil {
		return nil, apperr.DatabaseError("get project", err)
	}
	return row.toEntity()
}

func (a *ProjectAdapter) ListByUser(ctx context.Context, userID string, f out.ProjectFilter) ([]*domain.Project, error) {
	query, args := projectListQuery(`SELECT *`, userID, f)
	query += ` ORDER BY last_email_at DESC NULLS LAST, name`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(f.Offset)
	}
	var rows []projectRow
	if err := pick(ctx, a.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.DatabaseError("list projects", err)
	}
	return projectsOf(rows)
}

func (a *ProjectAdapter) ListActive(ctx context.Context, userID string) ([]*domain.Project, error) {
	return a.ListByUser(ctx, userID, out.ProjectFilter{Status: domain.ProjectActive})
}

func (a *ProjectAdapter) Count(ctx context.Context, userID string, f out.ProjectFilter) (int, error) {
	query, args := projectListQuery(`SELECT count(*)`, userID, f)
	var n int
	if err := pick(ctx, a.db).GetContext(ctx, &n, query, args...); err != nil {
		return 0, apperr.DatabaseError("count projects", err)
	}
	return n, nil
}

func projectListQuery(selectClause, userID string, f out.ProjectFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(selectClause)
	b.WriteString(` FROM projects WHERE user_id = $1`)
	args := []any{userID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		b.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	if f.NeedsReview != nil {
		args = append(args, *f.NeedsReview)
		b.WriteString(` AND needs_review = $` + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func projectsOf(rows []projectRow) ([]*domain.Project, error) {
	projects := make([]*domain.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// Save writes back a loaded project and bumps its version. A stale
// version means a concurrent writer won; the caller refetches.
func (a *ProjectAdapter) Save(ctx context.Context, p *domain.Project) error {
	aliases, address, jobNumbers, client, err := projectJSON(p)
	if err != nil {
		return apperr.DatabaseError("encode project", err)
	}
	res, err := pick(ctx, a.db).ExecContext(ctx, `
		UPDATE projects SET
			name = $1, aliases = $2, address = $3, job_numbers = $4, client = $5,
			status = $6, email_count = $7, last_email_at = $8, confidence = $9,
			needs_review = $10, version = version + 1, updated_at = now()
		WHERE id = $11 AND user_id = $12 AND version = $13`,
		p.Name, aliases, address, jobNumbers, client,
		string(p.Status), p.EmailCount, p.LastEmailAt, p.Confidence,
		p.NeedsReview, p.ID, p.UserID, p.Version)
	if err != nil {
		return apperr.DatabaseError("save project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.DatabaseError("save project", err)
	}
	if n == 0 {
		return apperr.PersistenceConflict("project")
	}
	p.Version++
	return nil
}
