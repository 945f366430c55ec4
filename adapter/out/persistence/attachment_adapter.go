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

// AttachmentAdapter implements out.AttachmentRepository.
type AttachmentAdapter struct {
	db *sqlx.DB
}

var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)

func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

type attachmentRow struct {
	UserID       string    `db:"user_id"`
	MessageID    string    `db:"message_id"`
	AttachmentID string    `db:"attachment_id"`
	Filename     string    `db:"filename"`
	MimeType     string    `db:"mime_type"`
	Size         int64     `db:"size"`
	Category     string    `db:"category"`
	Indicators   []byte    `db:"indicators"`
	ProjectID    int64     `db:"project_id"`
	BlobRef      string    `db:"blob_ref"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *attachmentRow) toEntity() (domain.Attachment, error) {
	att := domain.Attachment{
		MessageID:    r.MessageID,
		AttachmentID: r.AttachmentID,
		Filename:     r.Filename,
		MimeType:     r.MimeType,
		Size:         r.Size,
		Category:     domain.AttachmentCategory(r.Category),
		ProjectID:    r.ProjectID,
		BlobRef:      r.BlobRef,
	}
	if err := json.Unmarshal(r.Indicators, &att.Indicators); err != nil {
		return att, apperr.DatabaseError("decode attachment indicators", err)
	}
	return att, nil
}

// SaveAll upserts attachment descriptors, re-saving a message's
// attachments is idempotent.
func (a *AttachmentAdapter) SaveAll(ctx context.Context, userID string, atts []domain.Attachment) error {
	q := pick(ctx, a.db)
	for i := range atts {
		att := &atts[i]
		indicators, err := json.Marshal(att.Indicators)
		if err != nil {
			return apperr.DatabaseError("encode attachment indicators", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO attachments (user_id, message_id, attachment_id, filename,
				mime_type, size, category, indicators, project_id, blob_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id, message_id, attachment_id) DO UPDATE SET
				filename = EXCLUDED.filename,
				mime_type = EXCLUDED.mime_type,
				size = EXCLUDED.size,
				category = EXCLUDED.category,
				indicators = EXCLUDED.indicators,
				project_id = EXCLUDED.project_id,
				blob_ref = EXCLUDED.blob_ref`,
			userID, att.MessageID, att.AttachmentID, att.Filename,
			att.MimeType, att.Size, string(att.Category), indicators,
			att.ProjectID, att.BlobRef)
		if err != nil {
			return apperr.DatabaseError("save attachment", err)
		}
	}
	return nil
}

func (a *AttachmentAdapter) ListByMessage(ctx context.Context, userID, messageID string) ([]domain.Attachment, error) {
	var rows []attachmentRow
	err := pick(ctx, a.db).SelectContext(ctx, &rows,
		`SELECT * FROM attachments WHERE user_id = $1 AND message_id = $2 ORDER BY attachment_id`,
		userID, messageID)
	if err != nil {
		return nil, apperr.DatabaseError("list attachments", err)
	}
	atts := make([]domain.Attachment, 0, len(rows))
	for i := range rows {
		att, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, nil
}

func (a *AttachmentAdapter) RepointByMessages(ctx context.Context, userID string, messageIDs []string, projectID int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE attachments SET project_id = ? WHERE user_id = ? AND message_id IN (?)`,
		projectID, userID, messageIDs)
	if err != nil {
		return apperr.DatabaseError("repoint attachments", err)
	}
	if _, err := pick(ctx, a.db).ExecContext(ctx, a.db.Rebind(query), args...); err != nil {
		return apperr.DatabaseError("repoint attachments", err)
	}
	return nil
}
