package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
)

// StubExtractor is the deterministic vendor selected by
// AI_PROVIDER=stub. It applies fixed heuristics so pipelines can run
// without a model and tests get repeatable output.
type StubExtractor struct{}

var _ out.EntityExtractor = (*StubExtractor)(nil)

func NewStubExtractor() *StubExtractor {
	return &StubExtractor{}
}

var (
	jobNumberRe = regexp.MustCompile(`(?i)\b(?:job\s*[#:]?\s*|#)([0-9]{2,4}(?:-[0-9]{2,4})?)\b`)
	streetRe    = regexp.MustCompile(`(?i)\b(\d+[a-z]?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\s+(?:St|Street|Rd|Road|Ave|Avenue|Dr|Drive|Ct|Court|Pl|Place|Ln|Lane|Cres|Crescent))\b`)
	postcodeRe  = regexp.MustCompile(`(?i)\bpostcode\s+(\d{4})\b|\b[A-Z]{2,3}\s+(\d{4})\b`)
)

func (s *StubExtractor) Extract(_ context.Context, in out.ExtractInput) (*domain.Entities, error) {
	text := in.Subject + "\n" + in.Body
	e := &domain.Entities{
		Client: domain.ExtractedClient{
			Name:       in.SenderName,
			Email:      in.SenderEmail,
			Confidence: 0.5,
		},
		OverallConfidence: 0.3,
	}

	for _, m := range jobNumberRe.FindAllStringSubmatch(text, -1) {
		src := domain.SourceBody
		if strings.Contains(in.Subject, m[0]) {
			src = domain.SourceSubject
		}
		e.JobNumbers = append(e.JobNumbers, domain.ExtractedJobNumber{
			Value:      m[1],
			Source:     src,
			Confidence: 0.9,
		})
	}
	for _, name := range in.AttachmentNames {
		for _, m := range jobNumberRe.FindAllStringSubmatch(name, -1) {
			e.JobNumbers = append(e.JobNumbers, domain.ExtractedJobNumber{
				Value:      m[1],
				Source:     domain.SourceAttachment,
				Confidence: 0.7,
			})
		}
	}

	if m := streetRe.FindStringSubmatch(text); m != nil {
		addr := &domain.ExtractedAddress{
			Full:       m[1],
			Street:     m[1],
			Confidence: 0.85,
		}
		if pm := postcodeRe.FindStringSubmatch(text); pm != nil {
			if pm[1] != "" {
				addr.Postcode = pm[1]
			} else {
				addr.Postcode = pm[2]
			}
		}
		e.Address = addr
	}

	// Subject doubles as the project-name candidate once boilerplate
	// prefixes are stripped.
	name := strings.TrimSpace(in.Subject)
	for _, prefix := range []string{"Re:", "RE:", "Fwd:", "FW:", "Quote for", "Invoice for", "Update on"} {
		name = strings.TrimSpace(strings.TrimPrefix(name, prefix))
	}
	if name != "" && (e.Address != nil || len(e.JobNumbers) > 0 || looksLikeProjectName(name)) {
		e.ProjectName = &domain.ExtractedName{Value: name, Confidence: 0.7}
	}

	switch {
	case e.Address != nil && len(e.JobNumbers) > 0:
		e.OverallConfidence = 0.9
	case e.Address != nil || len(e.JobNumbers) > 0:
		e.OverallConfidence = 0.75
	case e.ProjectName != nil:
		e.OverallConfidence = 0.5
	}

	switch {
	case containsAny(text, "renovation", "reno"):
		e.ProjectType = domain.TypeRenovation
	case containsAny(text, "quote", "estimate"):
		e.ProjectType = domain.TypeQuote
	case containsAny(text, "invoice", "payment"):
		e.ProjectType = domain.TypePayment
	case containsAny(text, "new build"):
		e.ProjectType = domain.TypeNewBuild
	default:
		e.ProjectType = domain.TypeOther
	}
	return e, nil
}

func (s *StubExtractor) Compare(_ context.Context, a, b out.CompareInput) (*domain.Similarity, error) {
	sim := &domain.Similarity{Reason: "heuristic comparison"}

	if a.Entities != nil && b.Entities != nil {
		if a.Entities.Address != nil && b.Entities.Address != nil &&
			a.Entities.Address.Street != "" &&
			strings.EqualFold(a.Entities.Address.Street, b.Entities.Address.Street) {
			sim.Indicators.Address = true
			sim.Score += 0.5
		}
		for _, ja := range a.Entities.JobNumbers {
			for _, jb := range b.Entities.JobNumbers {
				if strings.EqualFold(ja.Value, jb.Value) {
					sim.Indicators.JobNumber = true
					sim.Score += 0.4
				}
			}
		}
	}
	if a.SenderEmail != "" && strings.EqualFold(a.SenderEmail, b.SenderEmail) {
		sim.Indicators.Client = true
		sim.Score += 0.1
	}
	if sim.Score > 1 {
		sim.Score = 1
	}
	sim.SameProject = sim.Score >= 0.8
	return sim, nil
}

func looksLikeProjectName(s string) bool {
	return len(s) >= 8 && strings.Contains(s, " ")
}

func containsAny(text string, needles ...string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
