package domain

import "time"

// CorrectionType enumerates user overrides of resolver decisions.
type CorrectionType string

const (
	CorrectionAssign   CorrectionType = "assign"
	CorrectionUnassign CorrectionType = "unassign"
	CorrectionMerge    CorrectionType = "merge"
	CorrectionSplit    CorrectionType = "split"
	CorrectionRename   CorrectionType = "rename"
	CorrectionUpdate   CorrectionType = "update"
)

func (t CorrectionType) Valid() bool {
	switch t {
	case CorrectionAssign, CorrectionUnassign, CorrectionMerge, CorrectionSplit, CorrectionRename, CorrectionUpdate:
		return true
	}
	return false
}

// CorrectionSnapshot captures the state of the affected records before
// or after a correction, so corrections can be audited and reversed.
type CorrectionSnapshot struct {
	Projects []Project `json:"projects,omitempty"`
	Mappings []Mapping `json:"mappings,omitempty"`
}

// Correction is one append-only user override. Never mutated once
// written; the learning pass flips Processed when consumed.
type Correction struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Type      CorrectionType     `json:"type"`
	MessageID string             `json:"message_id,omitempty"`
	ProjectID int64              `json:"project_id,omitempty"`
	Original  CorrectionSnapshot `json:"original_result"`
	Corrected CorrectionSnapshot `json:"corrected_result"`
	Reason    string             `json:"reason,omitempty"`
	Processed bool               `json:"processed"`
	CreatedAt time.Time          `json:"created_at"`
}

// PatternType names the learned rule families.
type PatternType string

const (
	PatternAlias   PatternType = "alias"
	PatternSender  PatternType = "sender_to_project"
	PatternAddress PatternType = "address_to_project"
)

// LearningPattern is a derived rule biasing future resolver decisions
// for one user. Patterns are deactivated, never edited.
type LearningPattern struct {
	ID         int64       `json:"id,string"`
	UserID     string      `json:"user_id"`
	Type       PatternType `json:"type"`
	Pattern    string      `json:"pattern"`
	ProjectID  int64       `json:"project_id,string"`
	Confidence float64     `json:"confidence"`
	UsageCount int         `json:"usage_count"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}
