package domain

import (
	"math/rand"
	"time"
)

// QueueName identifies one of the two durable work queues.
type QueueName string

const (
	QueueNotifications QueueName = "notifications"
	QueueAIProcessing  QueueName = "ai_processing"
)

// QueueStatus is the lifecycle of a queue item.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusDead       QueueStatus = "dead"
)

// Priority bounds: 1 is served first, 10 last.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// QueueItem is one durable unit of work. At most one worker holds an
// item in processing; the lease deadline returns abandoned items to
// pending.
type QueueItem struct {
	ID            int64       `json:"id,string"`
	Queue         QueueName   `json:"queue"`
	UserID        string      `json:"user_id"`
	DedupKey      string      `json:"dedup_key"`
	Payload       []byte      `json:"payload"`
	Priority      int         `json:"priority"`
	Status        QueueStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	NextVisibleAt time.Time   `json:"next_visible_at"`
	LeaseExpires  *time.Time  `json:"lease_expires,omitempty"`
	LeaseWorker   string      `json:"lease_worker,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TaskKind names AI-queue payloads.
type TaskKind string

const (
	TaskExtract    TaskKind = "extract"
	TaskGroupBatch TaskKind = "group_batch"
	TaskRetroSlice TaskKind = "retroactive_scan_slice"
	TaskReflect    TaskKind = "reflect_label"
)

// ProcessingTask is the AI-queue payload envelope.
type ProcessingTask struct {
	Kind        TaskKind  `json:"kind"`
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	MessageIDs  []string  `json:"message_ids,omitempty"`
	ProjectID   int64     `json:"project_id,omitempty"`
	LabelName   string    `json:"label_name,omitempty"`
	RemoveLabel string    `json:"remove_label,omitempty"`
	SliceStart  time.Time `json:"slice_start,omitempty"`
	SliceEnd    time.Time `json:"slice_end,omitempty"`
}

// Backoff returns the deferred-visibility delay before the next
// attempt: base doubled per attempt, plus up to 25% jitter.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	d := base << uint(attempts)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// QueueStats reports per-status depths for one queue.
type QueueStats struct {
	Queue      QueueName `json:"queue"`
	Pending    int       `json:"pending"`
	Processing int       `json:"processing"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Dead       int       `json:"dead"`
}
