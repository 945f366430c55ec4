package domain

import (
	"strings"
	"time"
)

// ProjectStatus tracks the lifecycle of a customer engagement.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectArchived  ProjectStatus = "archived"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectOnHold, ProjectArchived:
		return true
	}
	return false
}

// Address is a normalized property address. Street plus postcode (or
// street plus locality) is enough to identify a site.
type Address struct {
	Full     string `json:"full"`
	Street   string `json:"street,omitempty"`
	Locality string `json:"locality,omitempty"`
	Region   string `json:"region,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

func (a Address) Empty() bool {
	return a.Full == "" && a.Street == "" && a.Postcode == ""
}

// ClientContact is the primary contact on a project.
type ClientContact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// Project is a long-lived grouping representing one customer engagement.
type Project struct {
	ID          int64         `json:"id,string"`
	UserID      string        `json:"user_id"`
	Name        string        `json:"name"`
	Aliases     []string      `json:"aliases,omitempty"`
	Address     Address       `json:"address"`
	JobNumbers  []string      `json:"job_numbers,omitempty"`
	Client      ClientContact `json:"client"`
	Status      ProjectStatus `json:"status"`
	EmailCount  int           `json:"email_count"`
	LastEmailAt *time.Time    `json:"last_email_at,omitempty"`
	Confidence  float64       `json:"confidence"`
	NeedsReview bool          `json:"needs_review"`
	Version     int64         `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NormalizeName folds a project name for alias comparison: case fold,
// collapse whitespace, strip punctuation.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// AddAlias appends a case-folded alias, keeping the set de-duplicated.
func (p *Project) AddAlias(alias string) {
	folded := NormalizeName(alias)
	if folded == "" || folded == NormalizeName(p.Name) {
		return
	}
	for _, a := range p.Aliases {
		if a == folded {
			return
		}
	}
	p.Aliases = append(p.Aliases, folded)
}

// HasJobNumber reports membership in the project's job-number set.
func (p *Project) HasJobNumber(jobNumber string) bool {
	needle := strings.ToLower(strings.TrimSpace(jobNumber))
	for _, jn := range p.JobNumbers {
		if strings.ToLower(jn) == needle {
			return true
		}
	}
	return false
}

func (p *Project) AddJobNumber(jobNumber string) {
	jn := strings.TrimSpace(jobNumber)
	if jn == "" || p.HasJobNumber(jn) {
		return
	}
	p.JobNumbers = append(p.JobNumbers, jn)
}

// MatchesName reports whether the folded candidate equals the folded
// project name or any alias.
func (p *Project) MatchesName(candidate string) bool {
	folded := NormalizeName(candidate)
	if folded == "" {
		return false
	}
	if folded == NormalizeName(p.Name) {
		return true
	}
	for _, a := range p.Aliases {
		if a == folded {
			return true
		}
	}
	return false
}
