package domain

import "time"

// AssociationMethod records how a mapping came to be.
type AssociationMethod string

const (
	MethodAuto       AssociationMethod = "auto"
	MethodAI         AssociationMethod = "ai"
	MethodSimilarity AssociationMethod = "similarity"
	MethodManual     AssociationMethod = "manual"
)

// Mapping associates a provider message with a project. At most one
// active mapping exists per (user, message_id); the primary flag is
// kept for audit across split/merge reconciliation.
type Mapping struct {
	ID                int64             `json:"id,string"`
	UserID            string            `json:"user_id"`
	MessageID         string            `json:"message_id"`
	ThreadID          string            `json:"thread_id"`
	ProjectID         int64             `json:"project_id,string"`
	Confidence        float64           `json:"confidence"`
	Method            AssociationMethod `json:"association_method"`
	Primary           bool              `json:"primary"`
	Active            bool              `json:"active"`
	NeedsReview       bool              `json:"needs_review"`
	SplitFromThread   bool              `json:"split_from_thread,omitempty"`
	ReflectionPending bool              `json:"reflection_pending,omitempty"`
	Subject           string            `json:"subject,omitempty"`
	SenderName        string            `json:"sender_name,omitempty"`
	SenderEmail       string            `json:"sender_email,omitempty"`
	MessageDate       *time.Time        `json:"message_date,omitempty"`
	Snippet           string            `json:"snippet,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ResolutionEventKind names the UI events the resolver emits.
type ResolutionEventKind string

const (
	EventLowConfidence ResolutionEventKind = "low_confidence"
	EventMultiProject  ResolutionEventKind = "multi_project_detected"
	EventNewProject    ResolutionEventKind = "new_project_created"
	EventSplitThread   ResolutionEventKind = "split_from_thread"
	EventAuthExpired   ResolutionEventKind = "auth_expired"
)

// ResolutionEvent is surfaced to the UI event feed.
type ResolutionEvent struct {
	ID         int64               `json:"id,string"`
	UserID     string              `json:"user_id"`
	Kind       ResolutionEventKind `json:"kind"`
	MessageID  string              `json:"message_id,omitempty"`
	ProjectIDs []int64             `json:"project_ids,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}
