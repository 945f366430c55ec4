package extraction

import (
	"fmt"
	"strings"
)

// System prompts for the two extractor calls. The schemas here must
// stay in lockstep with domain.Entities and domain.Similarity.

const extractSystemPrompt = `You are an assistant that extracts structured project information from a building contractor's email.
Return ONLY a JSON object with this exact shape, no markdown fences, no commentary:

{
  "project_name": {"value": "...", "confidence": 0.0, "aliases": ["..."]},
  "alt_names": [{"value": "...", "confidence": 0.0}],
  "address": {"full": "...", "street": "...", "locality": "...", "region": "...", "postcode": "...", "confidence": 0.0},
  "job_numbers": [{"value": "...", "source": "subject|body|signature|attachment-filename", "confidence": 0.0}],
  "client": {"name": "...", "email": "...", "phone": "...", "company": "...", "confidence": 0.0},
  "project_type": "renovation|new_build|maintenance|quote|variation|payment|completion|other",
  "keywords": ["..."],
  "overall_confidence": 0.0
}

Rules:
- Omit "project_name" or "address" entirely when the email gives no evidence for them.
- "alt_names" lists ADDITIONAL independent project candidates only; leave it out when the email concerns a single project.
- Job numbers are short codes like "2024-087", "JOB-114" or "#87"; record where each was seen.
- The client is the customer, not the contractor sending or receiving the email.
- All confidences are reals in [0,1]. "overall_confidence" reflects how certain you are the email relates to a concrete project at all.
- Property addresses may use any local convention; extract street and postcode when present.`

const compareSystemPrompt = `You compare two emails from a building contractor's mailbox and decide whether they concern the same project.
Return ONLY a JSON object with this exact shape, no markdown fences, no commentary:

{
  "same_project": true,
  "score": 0.0,
  "matching_indicators": {"project_name": false, "address": false, "job_number": false, "client": false, "content": false},
  "reason": "..."
}

Rules:
- "score" is a real in [0,1]; above 0.8 means you are confident both emails belong to the same engagement.
- Set each indicator to true only when that dimension genuinely matches (same site address, same job code, same client, clearly continuous work).
- A shared sender alone is weak evidence; different trades can email about different sites.`

// reformatPreamble is prepended on retry after a parse failure. Each
// retry gets a sterner prefix.
var reformatPreambles = []string{
	"",
	"Your previous answer was not valid JSON for the required schema. Respond with the JSON object only.\n\n",
	"STRICT MODE: output exactly one JSON object matching the schema. No prose, no code fences, no trailing text.\n\n",
}

func buildExtractUserPrompt(subject, body, senderName, senderEmail string, attachmentNames, existingProjects []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "From: %s <%s>\n", senderName, senderEmail)
	if len(attachmentNames) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachmentNames, ", "))
	}
	if len(existingProjects) > 0 {
		fmt.Fprintf(&b, "Known projects for this user: %s\n", strings.Join(existingProjects, "; "))
	}
	b.WriteString("\nBody:\n")
	b.WriteString(truncate(body, maxBodyChars))
	return b.String()
}

func buildCompareUserPrompt(aSubject, aBody, aSender, bSubject, bBody, bSender string) string {
	var b strings.Builder
	b.WriteString("EMAIL A\n")
	fmt.Fprintf(&b, "Subject: %s\nFrom: %s\n%s\n\n", aSubject, aSender, truncate(aBody, maxCompareChars))
	b.WriteString("EMAIL B\n")
	fmt.Fprintf(&b, "Subject: %s\nFrom: %s\n%s\n", bSubject, bSender, truncate(bBody, maxCompareChars))
	return b.String()
}

const (
	maxBodyChars    = 6000
	maxCompareChars = 3000
)

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
