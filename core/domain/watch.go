package domain

import "time"

// WatchKind distinguishes push subscriptions from polling fallback.
type WatchKind string

const (
	WatchPush    WatchKind = "push"
	WatchPolling WatchKind = "polling"
)

// WatchSubscription tracks one user's change-stream position. At most
// one active subscription exists per user.
type WatchSubscription struct {
	UserID        string    `json:"user_id"`
	Kind          WatchKind `json:"kind"`
	Topic         string    `json:"topic,omitempty"`
	HistoryCursor string    `json:"history_cursor"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastPushAt    *time.Time `json:"last_push_at,omitempty"`
	LastPollAt    *time.Time `json:"last_poll_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NeedsRenewal reports whether the subscription expires within margin.
func (w *WatchSubscription) NeedsRenewal(now time.Time, margin time.Duration) bool {
	return w.Kind == WatchPush && now.Add(margin).After(w.ExpiresAt)
}

// PushCovered reports whether polling can skip this user: the
// subscription is push-kind and a push event arrived within interval.
func (w *WatchSubscription) PushCovered(now time.Time, interval time.Duration) bool {
	if w.Kind != WatchPush || w.LastPushAt == nil {
		return false
	}
	return now.Sub(*w.LastPushAt) < interval
}
