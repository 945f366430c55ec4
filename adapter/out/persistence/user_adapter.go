package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// UserAdapter implements out.UserRepository. Token columns hold
// ciphertext; encryption happens in the provider token store.
type UserAdapter struct {
	db *sqlx.DB
}

var _ out.UserRepository = (*UserAdapter)(nil)

func NewUserAdapter(db *sqlx.DB) *UserAdapter {
	return &UserAdapter{db: db}
}

type userRow struct {
	ID                    string     `db:"id"`
	Email                 string     `db:"email"`
	Role                  string     `db:"role"`
	Active                bool       `db:"active"`
	AccessTokenEncrypted  string     `db:"access_token_encrypted"`
	RefreshTokenEncrypted string     `db:"refresh_token_encrypted"`
	TokenExpiry           *time.Time `db:"token_expiry"`
	AuthExpired           bool       `db:"auth_expired"`
	QuotaCooldownUntil    *time.Time `db:"quota_cooldown_until"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
}

func (r *userRow) toEntity() *domain.User {
	u := &domain.User{
		ID:                    r.ID,
		Email:                 r.Email,
		Role:                  domain.Role(r.Role),
		Active:                r.Active,
		AccessTokenEncrypted:  r.AccessTokenEncrypted,
		RefreshTokenEncrypted: r.RefreshTokenEncrypted,
		AuthExpired:           r.AuthExpired,
		QuotaCooldownUntil:    r.QuotaCooldownUntil,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
		DeletedAt:             r.DeletedAt,
	}
	if r.TokenExpiry != nil {
		u.TokenExpiry = *r.TokenExpiry
	}
	return u
}

func (a *UserAdapter) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var row userRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, apperr.DatabaseError("get user", err)
	}
	return row.toEntity(), nil
}

// GetByEmail resolves the mailbox address a push notification names.
// Returns (nil, nil) when no account matches.
func (a *UserAdapter) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var row userRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DatabaseError("get user by email", err)
	}
	return row.toEntity(), nil
}

func (a *UserAdapter) ListActive(ctx context.Context) ([]*domain.User, error) {
	var rows []userRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM users WHERE active AND deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, apperr.DatabaseError("list active users", err)
	}
	users := make([]*domain.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toEntity())
	}
	return users, nil
}

func (a *UserAdapter) Save(ctx context.Context, u *domain.User) error {
	var expiry *time.Time
	if !u.TokenExpiry.IsZero() {
		expiry = &u.TokenExpiry
	}
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO users (id, email, role, active, access_token_encrypted,
			refresh_token_encrypted, token_expiry, auth_expired, quota_cooldown_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			active = EXCLUDED.active,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			token_expiry = EXCLUDED.token_expiry,
			auth_expired = EXCLUDED.auth_expired,
			quota_cooldown_until = EXCLUDED.quota_cooldown_until,
			updated_at = now()`,
		u.ID, u.Email, string(u.Role), u.Active, u.AccessTokenEncrypted,
		u.RefreshTokenEncrypted, expiry, u.AuthExpired, u.QuotaCooldownUntil)
	if err != nil {
		return apperr.DatabaseError("save user", err)
	}
	return nil
}

func (a *UserAdapter) SetAuthExpired(ctx context.Context, id string, expired bool) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE users SET auth_expired = $2, updated_at = now() WHERE id = $1`, id, expired)
	if err != nil {
		return apperr.DatabaseError("set auth expired", err)
	}
	return nil
}

func (a *UserAdapter) SetQuotaCooldown(ctx context.Context, id string, until time.Time) error {
	_, err := pick(ctx, a.db).ExecContext(ctx,
		`UPDATE users SET quota_cooldown_until = $2, updated_at = now() WHERE id = $1`, id, until)
	if err != nil {
		return apperr.DatabaseError("set quota cooldown", err)
	}
	return nil
}

type scanConfigRow struct {
	UserID         string         `db:"user_id"`
	ScanFrom       time.Time      `db:"scan_from"`
	ExcludedLabels pq.StringArray `db:"excluded_labels"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// GetScanConfig returns (nil, nil) when the user never configured a
// scan window.
func (a *UserAdapter) GetScanConfig(ctx context.Context, userID string) (*domain.ScanConfig, error) {
	var row scanConfigRow
	err := pick(ctx, a.db).GetContext(ctx, &row,
		`SELECT * FROM user_scan_configs WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DatabaseError("get scan config", err)
	}
	return &domain.ScanConfig{
		UserID:         row.UserID,
		ScanFrom:       row.ScanFrom,
		ExcludedLabels: row.ExcludedLabels,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (a *UserAdapter) SaveScanConfig(ctx context.Context, sc *domain.ScanConfig) error {
	_, err := pick(ctx, a.db).ExecContext(ctx, `
		INSERT INTO user_scan_configs (user_id, scan_from, excluded_labels, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			scan_from = EXCLUDED.scan_from,
			excluded_labels = EXCLUDED.excluded_labels,
			updated_at = now()`,
		sc.UserID, sc.ScanFrom, pq.Array(emptySlice(sc.ExcludedLabels)))
	if err != nil {
		return apperr.DatabaseError("save scan config", err)
	}
	return nil
}
