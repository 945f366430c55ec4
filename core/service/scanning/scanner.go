// Package scanning walks mailbox history: on-demand scans over a
// chosen window and retroactive backfill sliced into bounded chunks.
package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// Config bounds scan work.
type Config struct {
	// SliceDays is the width of one retroactive slice. Default 7.
	SliceDays int
	// PageSize for provider listings. Default 100.
	PageSize int64
	// MaxSlices caps one retroactive kickoff so a decade-old mailbox
	// cannot flood the queue. Default 520 (ten years of weeks).
	MaxSlices int
}

// Deps are the outbound ports the scanner drives.
type Deps struct {
	Provider out.MailProvider
	Users    out.UserRepository
	Queue    out.QueueRepository
}

// Scanner turns scan requests into queue work. Retroactive scans fan
// out as slice tasks on the AI queue at the lowest priority so live
// mail always drains first; each slice then feeds per-message events
// into the notifications queue.
type Scanner struct {
	deps Deps
	cfg  Config
	log  *logger.Logger
}

func New(deps Deps, cfg Config) *Scanner {
	if cfg.SliceDays <= 0 {
		cfg.SliceDays = 7
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxSlices <= 0 {
		cfg.MaxSlices = 520
	}
	return &Scanner{deps: deps, cfg: cfg, log: logger.WithField("component", "scanner")}
}

// StartRetroactive slices the configured scan window and enqueues one
// task per slice, newest first. Returns the number of slices queued.
func (s *Scanner) StartRetroactive(ctx context.Context, userID string) (int, error) {
	sc, err := s.deps.Users.GetScanConfig(ctx, userID)
	if err != nil {
		return 0, err
	}
	if sc == nil || sc.ScanFrom.IsZero() {
		return 0, apperr.InvalidInput("scan_from", "no scan window configured for this user")
	}

	return s.StartWindow(ctx, userID, sc.ScanFrom, time.Now().UTC())
}

// StartWindow slices an explicit window into retroactive tasks,
// newest first. Returns the number of slices queued.
func (s *Scanner) StartWindow(ctx context.Context, userID string, from, to time.Time) (int, error) {
	if !to.After(from) {
		return 0, apperr.InvalidInput("end", "scan window is empty")
	}
	width := time.Duration(s.cfg.SliceDays) * 24 * time.Hour

	queued := 0
	for end := to; end.After(from) && queued < s.cfg.MaxSlices; end = end.Add(-width) {
		start := end.Add(-width)
		if start.Before(from) {
			start = from
		}
		if err := s.enqueueSlice(ctx, userID, start, end); err != nil {
			return queued, err
		}
		queued++
	}
	s.log.Info("retroactive scan queued user=%s slices=%d from=%s", userID, queued, from.Format("2006-01-02"))
	return queued, nil
}

func (s *Scanner) enqueueSlice(ctx context.Context, userID string, start, end time.Time) error {
	task := domain.ProcessingTask{
		Kind:       domain.TaskRetroSlice,
		UserID:     userID,
		SliceStart: start,
		SliceEnd:   end,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.deps.Queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueAIProcessing,
		UserID:   userID,
		DedupKey: fmt.Sprintf("retro:%s:%d", userID, start.Unix()),
		Payload:  payload,
		Priority: domain.PriorityLowest,
		Status:   domain.StatusPending,
	})
}

// OnDemand scans an explicit window right away at default priority.
// Returns the number of message events queued.
func (s *Scanner) OnDemand(ctx context.Context, userID string, from, to time.Time) (int, error) {
	if !to.After(from) {
		return 0, apperr.InvalidInput("to", "scan window is empty")
	}
	return s.scanWindow(ctx, userID, from, to, domain.SourceRetro, domain.PriorityDefault)
}

// OnDemandRecent enqueues the caller's most recent messages, up to
// limit, at default priority. Used for "catch up now" requests where
// no window is given.
func (s *Scanner) OnDemandRecent(ctx context.Context, userID string, limit int) (int, error) {
	if limit <= 0 {
		return 0, apperr.InvalidInput("limit", "must be positive")
	}
	sc, err := s.deps.Users.GetScanConfig(ctx, userID)
	if err != nil {
		return 0, err
	}

	queued := 0
	cursor := ""
	for queued < limit {
		pageSize := s.cfg.PageSize
		if remaining := int64(limit - queued); remaining < pageSize {
			pageSize = remaining
		}
		page, err := s.deps.Provider.ListMessages(ctx, userID, out.ListQuery{
			Query:    exclusionQuery(sc),
			Cursor:   cursor,
			PageSize: pageSize,
		})
		if err != nil {
			return queued, err
		}
		for _, id := range page.MessageIDs {
			if queued >= limit {
				break
			}
			if err := s.enqueueMessage(ctx, userID, id, domain.SourceRetro, domain.PriorityDefault); err != nil {
				return queued, err
			}
			queued++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return queued, nil
}

// ProcessSlice executes one retroactive slice task: list the window,
// enqueue a message event per id. Idempotent via per-message dedup
// keys, so a retried slice never duplicates work.
func (s *Scanner) ProcessSlice(ctx context.Context, task domain.ProcessingTask) (int, error) {
	return s.scanWindow(ctx, task.UserID, task.SliceStart, task.SliceEnd, domain.SourceRetro, domain.PriorityLowest)
}

func (s *Scanner) scanWindow(ctx context.Context, userID string, from, to time.Time, source domain.EventSource, priority int) (int, error) {
	sc, err := s.deps.Users.GetScanConfig(ctx, userID)
	if err != nil {
		return 0, err
	}

	query := buildQuery(from, to, sc)
	queued := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		page, err := s.deps.Provider.ListMessages(ctx, userID, out.ListQuery{
			Query:    query,
			Cursor:   cursor,
			PageSize: s.cfg.PageSize,
		})
		if err != nil {
			return queued, err
		}
		for _, id := range page.MessageIDs {
			if err := s.enqueueMessage(ctx, userID, id, source, priority); err != nil {
				return queued, err
			}
			queued++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return queued, nil
}

func (s *Scanner) enqueueMessage(ctx context.Context, userID, messageID string, source domain.EventSource, priority int) error {
	event := domain.MessageEvent{
		UserID:    userID,
		MessageID: messageID,
		Source:    source,
		ArrivedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.deps.Queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueNotifications,
		UserID:   userID,
		DedupKey: fmt.Sprintf("msg:%s:%s", userID, messageID),
		Payload:  payload,
		Priority: priority,
		Status:   domain.StatusPending,
	})
}

// buildQuery renders the provider search expression for a window,
// honouring the user's excluded labels.
func buildQuery(from, to time.Time, sc *domain.ScanConfig) string {
	q := fmt.Sprintf("after:%d before:%d", from.Unix(), to.Unix())
	if excl := exclusionQuery(sc); excl != "" {
		q += " " + excl
	}
	return q
}

func exclusionQuery(sc *domain.ScanConfig) string {
	if sc == nil {
		return ""
	}
	var b strings.Builder
	for _, l := range sc.ExcludedLabels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsAny(l, " \t") {
			fmt.Fprintf(&b, "-label:%q", l)
		} else {
			fmt.Fprintf(&b, "-label:%s", l)
		}
	}
	return b.String()
}
