package gmail

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func header(name, value string) *gmailapi.MessagePartHeader {
	return &gmailapi.MessagePartHeader{Name: name, Value: value}
}

func TestParseMessageHeaders(t *testing.T) {
	raw := &gmailapi.Message{
		Id:           "m1",
		ThreadId:     "t1",
		Snippet:      "Quote attached",
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmailapi.MessagePart{
			Headers: []*gmailapi.MessagePartHeader{
				header("From", `"Alice Builder" <Alice@Builder.Test>`),
				header("To", "bob@tradie.test, Carol <carol@tradie.test>"),
				header("Subject", "Quote for 12 Baker St renovation"),
				header("Date", "Thu, 20 Aug 2026 20:15:00 +1000"),
			},
		},
	}

	msg := parseMessage(raw)
	if msg.ID != "m1" || msg.ThreadID != "t1" {
		t.Fatalf("ids wrong: %+v", msg)
	}
	if msg.From.Name != "Alice Builder" || msg.From.Email != "alice@builder.test" {
		t.Fatalf("from = %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[1].Name != "Carol" {
		t.Fatalf("to = %+v", msg.To)
	}
	if msg.Subject != "Quote for 12 Baker St renovation" {
		t.Fatalf("subject = %s", msg.Subject)
	}
	// Date header wins over internal date and is normalized to UTC.
	want := time.Date(2026, 8, 20, 10, 15, 0, 0, time.UTC)
	if !msg.Date.Equal(want) {
		t.Fatalf("date = %s, want %s", msg.Date, want)
	}
}

func TestParseDateFallsBackToInternalDate(t *testing.T) {
	at := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	raw := &gmailapi.Message{
		Id:           "m1",
		InternalDate: at.UnixMilli(),
		Payload: &gmailapi.MessagePart{
			Headers: []*gmailapi.MessagePartHeader{
				header("Date", "not a date"),
			},
		},
	}
	if msg := parseMessage(raw); !msg.Date.Equal(at) {
		t.Fatalf("date = %s, want internal %s", msg.Date, at)
	}
}

func TestParseMalformedAddressDegrades(t *testing.T) {
	raw := &gmailapi.Message{
		Id: "m1",
		Payload: &gmailapi.MessagePart{
			Headers: []*gmailapi.MessagePartHeader{
				header("From", "alice@builder.test"),
				header("To", "not-an-address, bob@tradie.test"),
			},
		},
	}
	msg := parseMessage(raw)
	if msg.From.Email != "alice@builder.test" {
		t.Fatalf("bare from not kept: %+v", msg.From)
	}
	if len(msg.To) != 2 {
		t.Fatalf("malformed list dropped entries: %+v", msg.To)
	}
}

func TestExtractBodyPrefersPlainText(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>HTML version</p>")}},
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("Plain version")}},
		},
	}
	if got := extractBody(payload); got != "Plain version" {
		t.Fatalf("body = %q", got)
	}
}

func TestExtractBodyNestedMultipart(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("nested text")}},
				},
			},
			{MimeType: "application/pdf", Filename: "quote.pdf", Body: &gmailapi.MessagePartBody{AttachmentId: "a1"}},
		},
	}
	if got := extractBody(payload); got != "nested text" {
		t.Fatalf("body = %q", got)
	}
}

func TestExtractBodyHTMLFallback(t *testing.T) {
	htmlBody := `<html><head><style>p{color:red}</style></head>` +
		`<body><p>Job #2024-087 &amp; site update</p><br><div>12 Baker St</div>` +
		`<script>alert(1)</script></body></html>`
	payload := &gmailapi.MessagePart{
		MimeType: "text/html",
		Body:     &gmailapi.MessagePartBody{Data: b64(htmlBody)},
	}
	got := extractBody(payload)
	if !strings.Contains(got, "Job #2024-087 & site update") {
		t.Fatalf("entities or text lost: %q", got)
	}
	if !strings.Contains(got, "12 Baker St") {
		t.Fatalf("block content lost: %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color") {
		t.Fatalf("script/style leaked: %q", got)
	}
}

func TestExtractBodyBadEncodingDegrades(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: "!!!not-base64!!!"}},
			{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>fallback</p>")}},
		},
	}
	if got := extractBody(payload); got != "fallback" {
		t.Fatalf("body = %q, want html fallback", got)
	}
}

func TestCollectAttachments(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("body")}},
			{
				MimeType: "application/pdf",
				Filename: "BakerSt_2024-087_invoice.pdf",
				Body:     &gmailapi.MessagePartBody{AttachmentId: "a1", Size: 2048},
			},
			{
				MimeType: "multipart/mixed",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "image/jpeg",
						Filename: "site_photo_2026-08-19.jpg",
						Body:     &gmailapi.MessagePartBody{AttachmentId: "a2", Size: 4096},
					},
				},
			},
		},
	}

	atts := collectAttachments("m1", payload)
	if len(atts) != 2 {
		t.Fatalf("got %d attachments, want 2", len(atts))
	}

	pdf := atts[0]
	if pdf.Category != domain.AttachmentDocument {
		t.Fatalf("pdf category = %s", pdf.Category)
	}
	if len(pdf.Indicators.JobNumberLike) != 1 || pdf.Indicators.JobNumberLike[0] != "2024-087" {
		t.Fatalf("job indicators = %v", pdf.Indicators.JobNumberLike)
	}
	foundName := false
	for _, n := range pdf.Indicators.NameLike {
		if n == "bakerst" {
			foundName = true
		}
		if n == "invoice" {
			t.Fatal("generic word kept as name indicator")
		}
	}
	if !foundName {
		t.Fatalf("name indicators = %v", pdf.Indicators.NameLike)
	}

	img := atts[1]
	if img.Category != domain.AttachmentImage {
		t.Fatalf("image category = %s", img.Category)
	}
	if len(img.Indicators.DateLike) != 1 {
		t.Fatalf("date indicators = %v", img.Indicators.DateLike)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		filename string
		mime     string
		want     domain.AttachmentCategory
	}{
		{"plans.dwg", "application/octet-stream", domain.AttachmentDrawing},
		{"costs.xlsx", "application/vnd.ms-excel", domain.AttachmentSpreadsheet},
		{"site.zip", "application/zip", domain.AttachmentArchive},
		{"noext", "image/png", domain.AttachmentImage},
		{"noext", "application/pdf", domain.AttachmentDocument},
		{"mystery.bin", "application/octet-stream", domain.AttachmentOther},
	}
	for _, tc := range cases {
		if got := categorize(tc.filename, tc.mime); got != tc.want {
			t.Errorf("categorize(%s, %s) = %s, want %s", tc.filename, tc.mime, got, tc.want)
		}
	}
}

func TestHTMLToTextWhitespace(t *testing.T) {
	got := htmlToText("<div>line one</div><div>line   two</div>\n\n\n\n<p>line three</p>")
	if strings.Contains(got, "  ") {
		t.Fatalf("spaces not collapsed: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Fatalf("newlines not collapsed: %q", got)
	}
}
