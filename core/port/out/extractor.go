package out

import (
	"context"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

// ExtractInput is everything the extractor sees for one message. Any
// context, such as the user's existing project names, is passed in
// explicitly; the extractor holds no state between calls.
type ExtractInput struct {
	Subject          string
	Body             string
	SenderName       string
	SenderEmail      string
	AttachmentNames  []string
	ExistingProjects []string
}

// CompareInput is one side of a pairwise similarity call.
type CompareInput struct {
	Subject     string
	Body        string
	SenderEmail string
	Entities    *domain.Entities
}

// EntityExtractor is the language-model port. Implementations must
// return output conforming to the schemas in domain or fail with
// apperr.ExtractionParse after their reformat retries are spent.
type EntityExtractor interface {
	Extract(ctx context.Context, in ExtractInput) (*domain.Entities, error)
	Compare(ctx context.Context, a, b CompareInput) (*domain.Similarity, error)
}
