package worker

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// backlogRetryDelay is how long a deferred notification stays
// invisible before the handoff is attempted again.
const backlogRetryDelay = 2 * time.Minute

// NotificationProcessor turns cursor events into per-message extraction
// tasks. It only enumerates and hands off; message content is fetched
// by the AI processor. Handoff stops while the extraction queue sits
// over the watermark, so a notification burst cannot bury the drainers.
type NotificationProcessor struct {
	provider  out.MailProvider
	queue     out.QueueRepository
	watches   out.WatchRepository
	users     out.UserRepository
	watermark int
	log       *logger.Logger
}

func NewNotificationProcessor(provider out.MailProvider, queue out.QueueRepository, watches out.WatchRepository, users out.UserRepository, watermark int) *NotificationProcessor {
	return &NotificationProcessor{
		provider:  provider,
		queue:     queue,
		watches:   watches,
		users:     users,
		watermark: watermark,
		log:       logger.WithField("component", "notification_processor"),
	}
}

func (p *NotificationProcessor) Process(ctx context.Context, event domain.MessageEvent) error {
	err := p.checkBacklog(ctx)
	if err == nil {
		if event.MessageID != "" {
			err = p.enqueueExtract(ctx, event.UserID, event.MessageID, event.ThreadID, event.Source)
		} else {
			err = p.processCursor(ctx, event)
		}
	}
	return applyUserFailurePolicy(ctx, p.queue, p.users, p.log, event.UserID, err)
}

// checkBacklog defers the handoff while the extraction queue is over
// the watermark. The deferred notification carries a retry delay, so
// it comes back after the drainers have had time to catch up.
func (p *NotificationProcessor) checkBacklog(ctx context.Context) error {
	if p.watermark <= 0 {
		return nil
	}
	stats, err := p.queue.Stats(ctx, domain.QueueAIProcessing)
	if err != nil {
		return err
	}
	depth := stats.Pending + stats.Processing + stats.Failed
	if depth < p.watermark {
		return nil
	}
	p.log.Warn("extraction backlog %d at watermark %d, deferring handoff", depth, p.watermark)
	return apperr.RateLimited(backlogRetryDelay)
}

// processCursor enumerates message ids added since the event's cursor
// and enqueues one extraction task per message.
func (p *NotificationProcessor) processCursor(ctx context.Context, event domain.MessageEvent) error {
	page, err := p.provider.History(ctx, event.UserID, event.HistoryCursor)
	if apperr.HasCode(err, apperr.CodeNotFound) {
		// The cursor aged out upstream. Reseed from the profile; the
		// gap is unrecoverable through history and is covered by an
		// on-demand scan instead.
		return p.reseedCursor(ctx, event.UserID)
	}
	if err != nil {
		return err
	}

	for _, added := range page.Added {
		if err := p.enqueueExtract(ctx, event.UserID, added.MessageID, added.ThreadID, event.Source); err != nil {
			return err
		}
	}
	if len(page.Added) > 0 {
		p.log.Info("enqueued %d messages for user %s from cursor %s",
			len(page.Added), event.UserID, event.HistoryCursor)
	}
	return nil
}

func (p *NotificationProcessor) reseedCursor(ctx context.Context, userID string) error {
	profile, err := p.provider.Profile(ctx, userID)
	if err != nil {
		return err
	}
	sub, err := p.watches.Get(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	sub.HistoryCursor = profile.HistoryCursor
	p.log.Warn("history cursor expired for user %s, reseeded to %s", userID, profile.HistoryCursor)
	return p.watches.Save(ctx, sub)
}

func (p *NotificationProcessor) enqueueExtract(ctx context.Context, userID, messageID, threadID string, source domain.EventSource) error {
	task := domain.ProcessingTask{
		Kind:      domain.TaskExtract,
		UserID:    userID,
		MessageID: messageID,
		ThreadID:  threadID,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	priority := domain.PriorityDefault
	if source == domain.SourceRetro {
		priority = domain.PriorityLowest
	}
	return p.queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueAIProcessing,
		UserID:   userID,
		DedupKey: fmt.Sprintf("extract:%s:%s", userID, messageID),
		Payload:  payload,
		Priority: priority,
	})
}

