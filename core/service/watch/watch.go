// Package watch keeps change detection alive for every active user:
// push subscriptions where the provider supports them, polling as the
// fallback, and renewal before expiry.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// Config tunes subscription lifecycle.
type Config struct {
	// RenewalMargin is how long before expiry a push subscription is
	// renewed. Default 1h.
	RenewalMargin time.Duration
	// PollInterval is the cadence of the polling fallback; a push
	// event within this window lets polling skip the user.
	PollInterval time.Duration
	// LabelFilter restricts the watch to these label ids. Empty
	// watches the whole mailbox.
	LabelFilter []string
}

// Deps are the outbound ports the watch manager drives.
type Deps struct {
	Provider out.MailProvider
	Watches  out.WatchRepository
	Users    out.UserRepository
	Queue    out.QueueRepository
	Stream   out.StreamPublisher
}

// Manager owns watch subscriptions. At most one subscription exists
// per user; registration, renewal and the polling fallback all funnel
// change events into the notifications queue.
type Manager struct {
	deps Deps
	cfg  Config
	log  *logger.Logger
}

func New(deps Deps, cfg Config) *Manager {
	if cfg.RenewalMargin <= 0 {
		cfg.RenewalMargin = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Manager{deps: deps, cfg: cfg, log: logger.WithField("component", "watch")}
}

// Ensure registers change detection for one user. An existing healthy
// push subscription is left alone; a missing or expiring one is
// (re)registered. When push registration fails the user degrades to
// polling instead of losing change detection.
func (m *Manager) Ensure(ctx context.Context, userID string) (*domain.WatchSubscription, error) {
	now := time.Now().UTC()

	existing, err := m.deps.Watches.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Kind == domain.WatchPush && !existing.NeedsRenewal(now, m.cfg.RenewalMargin) {
		return existing, nil
	}

	res, err := m.deps.Provider.StartWatch(ctx, userID, m.cfg.LabelFilter)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAuthExpired) {
			return nil, err
		}
		m.log.WithError(err).Warn("push registration failed, falling back to polling user=%s", userID)
		return m.ensurePolling(ctx, userID, existing, now)
	}

	sub := existing
	if sub == nil {
		sub = &domain.WatchSubscription{UserID: userID, CreatedAt: now}
	}
	sub.Kind = domain.WatchPush
	sub.ExpiresAt = res.ExpiresAt
	sub.UpdatedAt = now
	if sub.HistoryCursor == "" {
		sub.HistoryCursor = res.HistoryCursor
	}
	if err := m.deps.Watches.Save(ctx, sub); err != nil {
		return nil, err
	}
	m.log.Info("push watch registered user=%s expires=%s", userID, res.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// ensurePolling seeds a polling subscription from the mailbox profile.
func (m *Manager) ensurePolling(ctx context.Context, userID string, existing *domain.WatchSubscription, now time.Time) (*domain.WatchSubscription, error) {
	sub := existing
	if sub == nil {
		profile, err := m.deps.Provider.Profile(ctx, userID)
		if err != nil {
			return nil, err
		}
		sub = &domain.WatchSubscription{
			UserID:        userID,
			HistoryCursor: profile.HistoryCursor,
			CreatedAt:     now,
		}
	}
	sub.Kind = domain.WatchPolling
	sub.UpdatedAt = now
	if err := m.deps.Watches.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Stop tears down the subscription, e.g. when a user is deactivated.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	if err := m.deps.Provider.StopWatch(ctx, userID); err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
		return err
	}
	return m.deps.Watches.Delete(ctx, userID)
}

// RenewExpiring re-registers push subscriptions that expire within the
// renewal margin. Returns how many were renewed.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expiring, err := m.deps.Watches.ListExpiring(ctx, now.Add(m.cfg.RenewalMargin))
	if err != nil {
		return 0, err
	}
	renewed := 0
	for _, sub := range expiring {
		if sub.Kind != domain.WatchPush {
			continue
		}
		if err := ctx.Err(); err != nil {
			return renewed, err
		}
		if _, err := m.Ensure(ctx, sub.UserID); err != nil {
			m.log.WithError(err).Error("watch renewal failed user=%s", sub.UserID)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// HandlePush records an incoming push notification: one bare cursor
// event into the notifications queue, deduplicated on (user, cursor).
// The stored cursor only advances after the event is durably queued,
// so a crash between the two replays instead of losing mail.
func (m *Manager) HandlePush(ctx context.Context, userID, historyCursor string) error {
	sub, err := m.deps.Watches.Get(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return apperr.NotFound("watch subscription")
	}

	if err := m.enqueueEvent(ctx, userID, sub.HistoryCursor, domain.SourcePush); err != nil {
		return err
	}

	now := time.Now().UTC()
	sub.LastPushAt = &now
	if historyCursor != "" {
		sub.HistoryCursor = historyCursor
	}
	sub.UpdatedAt = now
	return m.deps.Watches.Save(ctx, sub)
}

// PollAll runs the polling fallback over every subscription, skipping
// users a recent push already covered. Returns how many users were
// polled.
func (m *Manager) PollAll(ctx context.Context) (int, error) {
	subs, err := m.deps.Watches.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	polled := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return polled, err
		}
		if sub.PushCovered(now, m.cfg.PollInterval) {
			continue
		}
		if err := m.PollUser(ctx, sub.UserID); err != nil {
			m.log.WithError(err).Error("poll failed user=%s", sub.UserID)
			continue
		}
		polled++
	}
	return polled, nil
}

// PollUser checks one user's history for changes and enqueues a cursor
// event when anything new arrived.
func (m *Manager) PollUser(ctx context.Context, userID string) error {
	sub, err := m.deps.Watches.Get(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return apperr.NotFound("watch subscription")
	}

	page, err := m.deps.Provider.History(ctx, userID, sub.HistoryCursor)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAuthExpired) {
			return err
		}
		return apperr.Transient("history poll", err)
	}

	now := time.Now().UTC()
	if len(page.Added) > 0 {
		if err := m.enqueueEvent(ctx, userID, sub.HistoryCursor, domain.SourcePoll); err != nil {
			return err
		}
	}

	sub.LastPollAt = &now
	if page.NextCursor != "" {
		sub.HistoryCursor = page.NextCursor
	}
	sub.UpdatedAt = now
	return m.deps.Watches.Save(ctx, sub)
}

func (m *Manager) enqueueEvent(ctx context.Context, userID, cursor string, source domain.EventSource) error {
	event := domain.MessageEvent{
		UserID:        userID,
		HistoryCursor: cursor,
		Source:        source,
		ArrivedAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	priority := domain.PriorityDefault
	if source == domain.SourcePush {
		priority = domain.PriorityHighest
	}
	if err := m.deps.Queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueNotifications,
		UserID:   userID,
		DedupKey: fmt.Sprintf("notif:%s:%s", userID, cursor),
		Payload:  payload,
		Priority: priority,
		Status:   domain.StatusPending,
	}); err != nil {
		return err
	}
	if m.deps.Stream != nil {
		// Best effort wake-up; the queue already holds the work.
		if err := m.deps.Stream.PublishNudge(ctx, out.Nudge{Queue: string(domain.QueueNotifications), UserID: userID}); err != nil {
			m.log.WithError(err).Debug("nudge publish failed user=%s", userID)
		}
	}
	return nil
}
