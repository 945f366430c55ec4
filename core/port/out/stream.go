package out

import "context"

// Nudge wakes queue drainers without carrying work: the durable queue
// remains the source of truth, the stream only shortens drain latency.
type Nudge struct {
	Queue  string `json:"queue"`
	UserID string `json:"user_id,omitempty"`
}

// StreamPublisher publishes wake-up nudges.
type StreamPublisher interface {
	PublishNudge(ctx context.Context, n Nudge) error
}

// NudgeEntry is a delivered nudge with its stream entry id for acking.
type NudgeEntry struct {
	ID string
	Nudge
}

// StreamConsumer blocks until a nudge arrives or the context ends.
type StreamConsumer interface {
	ReadNudges(ctx context.Context, consumer string, count int64) ([]NudgeEntry, error)
	AckNudges(ctx context.Context, ids ...string) error
}
