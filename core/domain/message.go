package domain

import "time"

// EventSource marks how a message event reached the pipeline.
type EventSource string

const (
	SourcePush  EventSource = "push"
	SourcePoll  EventSource = "poll"
	SourceRetro EventSource = "retro"
)

// MessageEvent is the transient "message available" unit flowing into
// the notification queue. A push event may carry an empty MessageID;
// the consumer enumerates new ids from the history cursor.
type MessageEvent struct {
	UserID        string      `json:"user_id"`
	MessageID     string      `json:"message_id,omitempty"`
	ThreadID      string      `json:"thread_id,omitempty"`
	HistoryCursor string      `json:"history_cursor"`
	Source        EventSource `json:"source"`
	ArrivedAt     time.Time   `json:"arrived_at"`
}

// AddressPair is one parsed mailbox with its display name.
type AddressPair struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is the derived projection of a provider message. The body
// fields live only for the duration of one processing attempt; they
// are never persisted.
type Message struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	From     AddressPair   `json:"from"`
	To       []AddressPair `json:"to,omitempty"`
	Cc       []AddressPair `json:"cc,omitempty"`
	Bcc      []AddressPair `json:"bcc,omitempty"`
	Subject  string        `json:"subject"`
	Date     time.Time     `json:"date"`
	Snippet  string        `json:"snippet,omitempty"`
	LabelIDs []string      `json:"label_ids,omitempty"`

	// Transient content, dropped after resolution.
	Body        string       `json:"-"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// AttachmentCategory buckets attachments by rough file kind.
type AttachmentCategory string

const (
	AttachmentDocument    AttachmentCategory = "document"
	AttachmentSpreadsheet AttachmentCategory = "spreadsheet"
	AttachmentImage       AttachmentCategory = "image"
	AttachmentDrawing     AttachmentCategory = "drawing"
	AttachmentArchive     AttachmentCategory = "archive"
	AttachmentOther       AttachmentCategory = "other"
)

// IndicatorTokens are project hints parsed from an attachment filename.
type IndicatorTokens struct {
	JobNumberLike []string `json:"job_number_like,omitempty"`
	DateLike      []string `json:"date_like,omitempty"`
	NameLike      []string `json:"name_like,omitempty"`
}

// Attachment describes one message part. ProjectID is a weak reference
// resolved when the owning message is resolved.
type Attachment struct {
	MessageID    string             `json:"message_id"`
	AttachmentID string             `json:"attachment_id"`
	Filename     string             `json:"filename"`
	MimeType     string             `json:"mime_type"`
	Size         int64              `json:"size"`
	Category     AttachmentCategory `json:"category"`
	Indicators   IndicatorTokens    `json:"indicators"`
	ProjectID    int64              `json:"project_id,omitempty"`
	BlobRef      string             `json:"blob_ref,omitempty"`
}
