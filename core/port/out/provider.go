// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

// MailProvider is the outbound port for the upstream mail API. The
// Gmail adapter is the only implementation; tests use an in-memory
// fake. Every method is already rate-limit gated by the adapter.
type MailProvider interface {
	// Profile returns the mailbox address and the current history cursor.
	Profile(ctx context.Context, userID string) (*ProviderProfile, error)

	// ListMessages pages message ids matching a provider query.
	ListMessages(ctx context.Context, userID string, q ListQuery) (*MessagePage, error)

	// FetchMessage retrieves and parses one message. With includeBody
	// false only metadata headers are requested.
	FetchMessage(ctx context.Context, userID, messageID string, includeBody bool) (*domain.Message, error)

	// History enumerates message ids added since the cursor.
	History(ctx context.Context, userID, sinceCursor string) (*HistoryPage, error)

	// Label operations.
	ListLabels(ctx context.Context, userID string) ([]Label, error)
	CreateLabel(ctx context.Context, userID, name string) (*Label, error)
	ModifyMessage(ctx context.Context, userID, messageID string, add, remove []string) error
	BatchModify(ctx context.Context, userID string, messageIDs []string, add, remove []string) error

	// Watch lifecycle.
	StartWatch(ctx context.Context, userID string, labelFilter []string) (*WatchResult, error)
	StopWatch(ctx context.Context, userID string) error
}

// TokenSource resolves a user's OAuth token, decrypting at the edge
// and persisting rotations.
type TokenSource interface {
	Token(ctx context.Context, userID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, userID string, token *oauth2.Token) error
	MarkAuthExpired(ctx context.Context, userID string) error
}

// ProviderProfile is the mailbox identity snapshot.
type ProviderProfile struct {
	EmailAddress  string
	HistoryCursor string
	MessagesTotal int64
}

// ListQuery narrows a message listing.
type ListQuery struct {
	Query    string
	Cursor   string
	PageSize int64
}

// MessagePage is one page of message ids.
type MessagePage struct {
	MessageIDs []string
	NextCursor string
}

// HistoryEntry is one added message in the change stream.
type HistoryEntry struct {
	MessageID string
	ThreadID  string
}

// HistoryPage enumerates changes since a cursor.
type HistoryPage struct {
	Added      []HistoryEntry
	NextCursor string
}

// Label is a provider label.
type Label struct {
	ID     string
	Name   string
	System bool
}

// WatchResult reports a registered push subscription.
type WatchResult struct {
	HistoryCursor string
	ExpiresAt     time.Time
}
