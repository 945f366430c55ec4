package domain

import "time"

// Role controls API access level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// User owns all downstream records. Tokens are stored encrypted.
type User struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	Role                  Role       `json:"role"`
	Active                bool       `json:"active"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	TokenExpiry           time.Time  `json:"-"`
	AuthExpired           bool       `json:"auth_expired"`
	QuotaCooldownUntil    *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	DeletedAt             *time.Time `json:"-"`
}

// ScanConfig is the per-user window and exclusion set honoured by
// on-demand and retroactive scans.
type ScanConfig struct {
	UserID         string    `json:"user_id"`
	ScanFrom       time.Time `json:"scan_from"`
	ExcludedLabels []string  `json:"excluded_labels,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
