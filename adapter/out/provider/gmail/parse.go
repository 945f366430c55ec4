package gmail

import (
	"encoding/base64"
	"html"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

// parseMessage projects a raw Gmail message onto the domain shape.
// Each part degrades independently: a header or part that fails to
// parse is skipped, never fatal.
func parseMessage(raw *gmailapi.Message) *domain.Message {
	msg := &domain.Message{
		ID:       raw.Id,
		ThreadID: raw.ThreadId,
		Snippet:  raw.Snippet,
		LabelIDs: raw.LabelIds,
		Date:     time.UnixMilli(raw.InternalDate).UTC(),
	}

	if raw.Payload == nil {
		return msg
	}

	for _, h := range raw.Payload.Headers {
		switch h.Name {
		case "From":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				msg.From = domain.AddressPair{Name: addr.Name, Email: strings.ToLower(addr.Address)}
			} else {
				msg.From = domain.AddressPair{Email: strings.ToLower(strings.TrimSpace(h.Value))}
			}
		case "To":
			msg.To = parseAddressList(h.Value)
		case "Cc":
			msg.Cc = parseAddressList(h.Value)
		case "Bcc":
			msg.Bcc = parseAddressList(h.Value)
		case "Subject":
			msg.Subject = h.Value
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				msg.Date = t.UTC()
			}
		}
	}

	msg.Body = extractBody(raw.Payload)
	msg.Attachments = collectAttachments(raw.Id, raw.Payload)
	return msg
}

func parseAddressList(value string) []domain.AddressPair {
	if value == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		// Fall back to comma splitting on malformed lists.
		var pairs []domain.AddressPair
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				pairs = append(pairs, domain.AddressPair{Email: strings.ToLower(part)})
			}
		}
		return pairs
	}
	pairs := make([]domain.AddressPair, 0, len(addrs))
	for _, a := range addrs {
		pairs = append(pairs, domain.AddressPair{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return pairs
}

// extractBody walks the MIME tree depth first. text/plain wins; when
// only HTML exists it is flattened to text.
func extractBody(payload *gmailapi.MessagePart) string {
	plain := findPart(payload, "text/plain")
	if plain != "" {
		return plain
	}
	if htmlBody := findPart(payload, "text/html"); htmlBody != "" {
		return htmlToText(htmlBody)
	}
	return ""
}

func findPart(part *gmailapi.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		return string(data)
	}
	for _, p := range part.Parts {
		if s := findPart(p, mimeType); s != "" {
			return s
		}
	}
	return ""
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]+>`)
	blockTagRe    = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6])>|<br\s*/?>`)
	multiSpaceRe  = regexp.MustCompile(`[ \t]+`)
	multiNLRe     = regexp.MustCompile(`\n{3,}`)
)

// htmlToText flattens an HTML body for the extractor: scripts and
// styles dropped, block boundaries kept as newlines, entities decoded.
func htmlToText(s string) string {
	s = scriptStyleRe.ReplaceAllString(s, "")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	s = strings.Join(lines, "\n")
	s = multiNLRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func collectAttachments(messageID string, part *gmailapi.MessagePart) []domain.Attachment {
	var atts []domain.Attachment
	if part == nil {
		return atts
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		atts = append(atts, domain.Attachment{
			MessageID:    messageID,
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			Size:         part.Body.Size,
			Category:     categorize(part.Filename, part.MimeType),
			Indicators:   indicatorsOf(part.Filename),
		})
	}
	for _, p := range part.Parts {
		atts = append(atts, collectAttachments(messageID, p)...)
	}
	return atts
}

// categorize buckets an attachment by extension first, mime second.
func categorize(filename, mimeType string) domain.AttachmentCategory {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt":
		return domain.AttachmentDocument
	case ".xls", ".xlsx", ".csv", ".ods":
		return domain.AttachmentSpreadsheet
	case ".jpg", ".jpeg", ".png", ".gif", ".heic", ".webp", ".tiff":
		return domain.AttachmentImage
	case ".dwg", ".dxf", ".skp", ".rvt":
		return domain.AttachmentDrawing
	case ".zip", ".rar", ".7z", ".tar", ".gz":
		return domain.AttachmentArchive
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mimeType, "application/pdf"):
		return domain.AttachmentDocument
	}
	return domain.AttachmentOther
}

var (
	fileJobNumberRe = regexp.MustCompile(`\b\d{2,4}-\d{2,4}\b|#\d{3,6}\b`)
	fileDateRe      = regexp.MustCompile(`\b\d{4}[-_.]\d{2}[-_.]\d{2}\b|\b\d{2}[-_.]\d{2}[-_.]\d{4}\b`)
	fileTokenRe     = regexp.MustCompile(`[A-Za-z]{3,}`)
)

// indicatorsOf tokenizes a filename into rough project hints.
func indicatorsOf(filename string) domain.IndicatorTokens {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	ind := domain.IndicatorTokens{
		JobNumberLike: fileJobNumberRe.FindAllString(base, -1),
		DateLike:      fileDateRe.FindAllString(base, -1),
	}
	stripped := fileJobNumberRe.ReplaceAllString(base, " ")
	stripped = fileDateRe.ReplaceAllString(stripped, " ")
	for _, tok := range fileTokenRe.FindAllString(stripped, -1) {
		lower := strings.ToLower(tok)
		if genericFileWords[lower] {
			continue
		}
		ind.NameLike = append(ind.NameLike, lower)
	}
	return ind
}

// genericFileWords never identify a project.
var genericFileWords = map[string]bool{
	"invoice": true, "quote": true, "quotation": true, "estimate": true,
	"receipt": true, "final": true, "draft": true, "copy": true,
	"scan": true, "document": true, "img": true, "image": true,
	"photo": true, "attachment": true, "signed": true, "rev": true,
	"version": true, "updated": true, "new": true, "pdf": true,
}
