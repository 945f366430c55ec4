package out

import (
	"context"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

// ProjectFilter narrows a project listing.
type ProjectFilter struct {
	Status      domain.ProjectStatus
	NeedsReview *bool
	Limit       int
	Offset      int
}

// ProjectRepository persists projects. Save must bump Version and
// refuse a stale write (optimistic lock).
type ProjectRepository interface {
	Create(ctx context.Context, p *domain.Project) error
	GetByID(ctx context.Context, userID string, id int64) (*domain.Project, error)
	ListByUser(ctx context.Context, userID string, f ProjectFilter) ([]*domain.Project, error)
	ListActive(ctx context.Context, userID string) ([]*domain.Project, error)
	Save(ctx context.Context, p *domain.Project) error
	Count(ctx context.Context, userID string, f ProjectFilter) (int, error)
}

// MappingRepository persists message-project associations. Upsert
// keeps the at-most-one-active-mapping invariant per (user, message).
// GetActive returns (nil, nil) when no active mapping exists.
type MappingRepository interface {
	Upsert(ctx context.Context, m *domain.Mapping) error
	GetActive(ctx context.Context, userID, messageID string) (*domain.Mapping, error)
	ListByProject(ctx context.Context, userID string, projectID int64, limit int) ([]*domain.Mapping, error)
	ListByThread(ctx context.Context, userID, threadID string) ([]*domain.Mapping, error)
	ListSenderEmails(ctx context.Context, userID string, projectID int64) ([]string, error)
	Deactivate(ctx context.Context, userID, messageID string) error
	Repoint(ctx context.Context, userID string, fromProject, toProject int64, messageIDs []string) (int, error)
	SetReflectionPending(ctx context.Context, userID, messageID string, pending bool) error
	ListReflectionPending(ctx context.Context, userID string, limit int) ([]*domain.Mapping, error)
	CountActive(ctx context.Context, userID string, projectID int64) (int, error)
	LastActiveAt(ctx context.Context, userID string, projectID int64) (*time.Time, error)
}

// QueueRepository is the durable work queue. Reserve is a single
// atomic operation: no two workers receive the same item while its
// lease holds. Fail's retryAfter, when positive, is a provider-reported
// delay that overrides the computed backoff.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	Reserve(ctx context.Context, queue domain.QueueName, worker string, n int, lease time.Duration) ([]*domain.QueueItem, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errSummary string, retryable bool, retryAfter time.Duration, maxAttempts int, backoffBase time.Duration) error
	ExtendLease(ctx context.Context, id int64, lease time.Duration) error
	ReleaseExpired(ctx context.Context, queue domain.QueueName) (int, error)
	ReleaseByWorker(ctx context.Context, worker string) (int, error)
	ReleaseByUser(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context, queue domain.QueueName) (*domain.QueueStats, error)
	ListDead(ctx context.Context, queue domain.QueueName, limit int) ([]*domain.QueueItem, error)
	ReplayDead(ctx context.Context, id int64) error
}

// CorrectionRepository is append-only.
type CorrectionRepository interface {
	Append(ctx context.Context, c *domain.Correction) error
	ListUnprocessed(ctx context.Context, userID string, limit int) ([]*domain.Correction, error)
	ListUsers(ctx context.Context) ([]string, error)
	MarkProcessed(ctx context.Context, ids []string) error
	CountByProject(ctx context.Context, userID string, projectID int64) (int, error)
}

// PatternRepository stores learned rules.
type PatternRepository interface {
	Upsert(ctx context.Context, p *domain.LearningPattern) error
	ListActive(ctx context.Context, userID string) ([]*domain.LearningPattern, error)
	Deactivate(ctx context.Context, userID string, id int64) error
	IncrementUsage(ctx context.Context, id int64) error
}

// UserRepository stores accounts and encrypted credentials.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	ListActive(ctx context.Context) ([]*domain.User, error)
	Save(ctx context.Context, u *domain.User) error
	SetAuthExpired(ctx context.Context, id string, expired bool) error
	SetQuotaCooldown(ctx context.Context, id string, until time.Time) error
	GetScanConfig(ctx context.Context, userID string) (*domain.ScanConfig, error)
	SaveScanConfig(ctx context.Context, sc *domain.ScanConfig) error
}

// WatchRepository stores change-stream positions.
type WatchRepository interface {
	Get(ctx context.Context, userID string) (*domain.WatchSubscription, error)
	Save(ctx context.Context, w *domain.WatchSubscription) error
	ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchSubscription, error)
	ListAll(ctx context.Context) ([]*domain.WatchSubscription, error)
	Delete(ctx context.Context, userID string) error
}

// AttachmentRepository stores attachment descriptors.
type AttachmentRepository interface {
	SaveAll(ctx context.Context, userID string, atts []domain.Attachment) error
	ListByMessage(ctx context.Context, userID, messageID string) ([]domain.Attachment, error)
	RepointByMessages(ctx context.Context, userID string, messageIDs []string, projectID int64) error
}

// EventRepository stores the UI event feed.
type EventRepository interface {
	Append(ctx context.Context, e *domain.ResolutionEvent) error
	ListRecent(ctx context.Context, userID string, limit int) ([]*domain.ResolutionEvent, error)
}

// TxRunner executes fn inside one transaction. The resolver's side
// effects (mapping, counters, reflection task) commit or roll back
// together.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// AdvisoryLock takes a Postgres advisory lock scoped to the
	// transaction in ctx, keyed by (user, thread).
	AdvisoryLock(ctx context.Context, userID, threadID string) error
}
