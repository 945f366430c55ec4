// Package gmail adapts the Gmail API to the MailProvider port: every
// call is rate-gated, circuit-broken and retried, and errors come back
// classified for the queue workers.
package gmail

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/metrics"
	"github.com/GPEire/Tradie-GSuite/pkg/ratelimit"
	"github.com/GPEire/Tradie-GSuite/pkg/resilience"
)

// Config tunes the adapter.
type Config struct {
	// PushTopic is the Pub/Sub topic watch registrations publish to.
	// Empty disables push; callers fall back to polling.
	PushTopic string
	// MaxRetries bounds transient-error retries per call. Default 3.
	MaxRetries int
	// BackoffBase seeds exponential retry backoff. Default 500ms.
	BackoffBase time.Duration
	// LabelFilter restricts watch registrations.
	LabelFilter []string
}

// Client implements out.MailProvider against the Gmail API.
type Client struct {
	cfg     Config
	tokens  out.TokenSource
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger

	mu       sync.Mutex
	services map[string]*cachedService
}

type cachedService struct {
	svc    *gmailapi.Service
	expiry time.Time
}

func NewClient(cfg Config, tokens out.TokenSource, limiter *ratelimit.Limiter) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Client{
		cfg:      cfg,
		tokens:   tokens,
		limiter:  limiter,
		breaker:  resilience.NewBreaker("gmail"),
		log:      logger.WithField("component", "gmail"),
		services: make(map[string]*cachedService),
	}
}

// service returns a Gmail service bound to the user's current token,
// cached until shortly before token expiry.
func (c *Client) service(ctx context.Context, userID string) (*gmailapi.Service, error) {
	c.mu.Lock()
	cached, ok := c.services[userID]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.expiry) {
		return cached.svc, nil
	}

	tok, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	svc, err := gmailapi.NewService(ctx,
		option.WithTokenSource(oauth2.StaticTokenSource(tok)))
	if err != nil {
		return nil, apperr.ExternalError("gmail", err)
	}

	expiry := tok.Expiry.Add(-time.Minute)
	if tok.Expiry.IsZero() {
		expiry = time.Now().Add(30 * time.Minute)
	}
	c.mu.Lock()
	c.services[userID] = &cachedService{svc: svc, expiry: expiry}
	c.mu.Unlock()
	return svc, nil
}

func (c *Client) dropService(userID string) {
	c.mu.Lock()
	delete(c.services, userID)
	c.mu.Unlock()
}

// call runs one API operation through the rate limiter, the circuit
// breaker and the retry loop. A 401 gets exactly one forced token
// refresh; a second 401 marks the user auth-expired.
func (c *Client) call(ctx context.Context, userID string, kind ratelimit.Kind, units int64, op string, fn func(svc *gmailapi.Service) error) error {
	started := time.Now()
	defer func() { metrics.RecordLatency("gmail."+op, time.Since(started)) }()

	if err := c.limiter.Acquire(ctx, userID, kind, units); err != nil {
		return err
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperr.Transient(op, err)
		}

		svc, err := c.service(ctx, userID)
		if err != nil {
			return err
		}

		_, err = c.breaker.Execute(func() (any, error) {
			return nil, fn(svc)
		})
		if err == nil {
			return nil
		}
		if resilience.IsOpen(err) {
			return apperr.Transient(op, err)
		}

		classified := c.classify(ctx, userID, op, err, &refreshed)
		if classified != nil {
			return classified
		}

		lastErr = err
		if attempt < c.cfg.MaxRetries {
			delay := backoff(c.cfg.BackoffBase, attempt)
			c.log.WithError(err).Debug("%s retry %d in %s user=%s", op, attempt+1, delay, userID)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return apperr.Transient(op, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return apperr.Transient(op, lastErr)
}

// classify maps a Gmail API error to the application taxonomy. A nil
// return means the caller should retry.
func (c *Client) classify(ctx context.Context, userID, op string, err error, refreshed *bool) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if isTransport(err) {
			return nil
		}
		return apperr.ExternalError("gmail", err)
	}

	switch apiErr.Code {
	case 401:
		if !*refreshed {
			*refreshed = true
			c.dropService(userID)
			return nil
		}
		if markErr := c.tokens.MarkAuthExpired(ctx, userID); markErr != nil {
			c.log.WithError(markErr).Error("failed to mark auth expired user=%s", userID)
		}
		c.dropService(userID)
		return apperr.AuthExpired(userID, err)

	case 429:
		return apperr.RateLimited(retryAfterOf(apiErr, 30*time.Second))

	case 403:
		if isQuotaReason(apiErr) {
			return apperr.QuotaExceeded(userID, time.Hour)
		}
		return apperr.Forbidden(apiErr.Message)

	case 404:
		return apperr.NotFound("gmail resource")

	case 400:
		return apperr.BadRequest(apiErr.Message)

	case 500, 502, 503, 504:
		return nil // retry
	}
	return apperr.ExternalError("gmail", err)
}

func isQuotaReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

func retryAfterOf(apiErr *googleapi.Error, fallback time.Duration) time.Duration {
	if apiErr.Header != nil {
		if v := apiErr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}

func isTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Profile returns the mailbox identity and current history cursor.
func (c *Client) Profile(ctx context.Context, userID string) (*out.ProviderProfile, error) {
	var profile *gmailapi.Profile
	err := c.call(ctx, userID, ratelimit.KindRead, ratelimit.UnitsList, "profile", func(svc *gmailapi.Service) error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out.ProviderProfile{
		EmailAddress:  profile.EmailAddress,
		HistoryCursor: strconv.FormatUint(profile.HistoryId, 10),
		MessagesTotal: profile.MessagesTotal,
	}, nil
}

// ListMessages pages message ids matching a search expression.
func (c *Client) ListMessages(ctx context.Context, userID string, q out.ListQuery) (*out.MessagePage, error) {
	var resp *gmailapi.ListMessagesResponse
	err := c.call(ctx, userID, ratelimit.KindRead, ratelimit.UnitsList, "list", func(svc *gmailapi.Service) error {
		req := svc.Users.Messages.List("me")
		if q.Query != "" {
			req = req.Q(q.Query)
		}
		if q.Cursor != "" {
			req = req.PageToken(q.Cursor)
		}
		if q.PageSize > 0 {
			req = req.MaxResults(q.PageSize)
		}
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	page := &out.MessagePage{NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// FetchMessage retrieves and parses one message. Parsing degrades per
// part: a malformed part is skipped, the rest of the message survives.
func (c *Client) FetchMessage(ctx context.Context, userID, messageID string, includeBody bool) (*domain.Message, error) {
	format := "metadata"
	if includeBody {
		format = "full"
	}
	var raw *gmailapi.Message
	err := c.call(ctx, userID, ratelimit.KindRead, ratelimit.UnitsGet, "get", func(svc *gmailapi.Service) error {
		req := svc.Users.Messages.Get("me", messageID).Format(format)
		if !includeBody {
			req = req.MetadataHeaders("From", "To", "Cc", "Bcc", "Subject", "Date")
		}
		var err error
		raw, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseMessage(raw), nil
}

// History enumerates message ids added since the cursor.
func (c *Client) History(ctx context.Context, userID, sinceCursor string) (*out.HistoryPage, error) {
	startID, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, apperr.InvalidInput("history_cursor", "not a numeric cursor")
	}

	page := &out.HistoryPage{}
	pageToken := ""
	for {
		var resp *gmailapi.ListHistoryResponse
		err := c.call(ctx, userID, ratelimit.KindRead, ratelimit.UnitsHistory, "history", func(svc *gmailapi.Service) error {
			req := svc.Users.History.List("me").
				StartHistoryId(startID).
				HistoryTypes("messageAdded")
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			// An expired cursor comes back 404; the caller reseeds
			// from the profile.
			return nil, err
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				page.Added = append(page.Added, out.HistoryEntry{
					MessageID: added.Message.Id,
					ThreadID:  added.Message.ThreadId,
				})
			}
		}
		if resp.HistoryId > 0 {
			page.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			return page, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListLabels returns every label in the mailbox.
func (c *Client) ListLabels(ctx context.Context, userID string) ([]out.Label, error) {
	var resp *gmailapi.ListLabelsResponse
	err := c.call(ctx, userID, ratelimit.KindRead, ratelimit.UnitsList, "labels.list", func(svc *gmailapi.Service) error {
		var err error
		resp, err = svc.Users.Labels.List("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	labels := make([]out.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, out.Label{
			ID:     l.Id,
			Name:   l.Name,
			System: l.Type == "system",
		})
	}
	return labels, nil
}

// CreateLabel creates a user label visible in the label list.
func (c *Client) CreateLabel(ctx context.Context, userID, name string) (*out.Label, error) {
	var created *gmailapi.Label
	err := c.call(ctx, userID, ratelimit.KindWrite, ratelimit.UnitsLabelCreate, "labels.create", func(svc *gmailapi.Service) error {
		var err error
		created, err = svc.Users.Labels.Create("me", &gmailapi.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out.Label{ID: created.Id, Name: created.Name}, nil
}

// ModifyMessage adds and removes labels on one message.
func (c *Client) ModifyMessage(ctx context.Context, userID, messageID string, add, remove []string) error {
	return c.call(ctx, userID, ratelimit.KindWrite, ratelimit.UnitsModify, "modify", func(svc *gmailapi.Service) error {
		_, err := svc.Users.Messages.Modify("me", messageID, &gmailapi.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

// BatchModify applies one label change to many messages in a single
// provider call.
func (c *Client) BatchModify(ctx context.Context, userID string, messageIDs []string, add, remove []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.call(ctx, userID, ratelimit.KindWrite, ratelimit.UnitsModify, "batch_modify", func(svc *gmailapi.Service) error {
		return svc.Users.Messages.BatchModify("me", &gmailapi.BatchModifyMessagesRequest{
			Ids:            messageIDs,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
	})
}

// StartWatch registers a push subscription on the configured topic.
func (c *Client) StartWatch(ctx context.Context, userID string, labelFilter []string) (*out.WatchResult, error) {
	if c.cfg.PushTopic == "" {
		return nil, apperr.ConfigError("push topic not configured")
	}
	if len(labelFilter) == 0 {
		labelFilter = c.cfg.LabelFilter
	}
	var resp *gmailapi.WatchResponse
	err := c.call(ctx, userID, ratelimit.KindWrite, ratelimit.UnitsModify, "watch", func(svc *gmailapi.Service) error {
		var err error
		resp, err = svc.Users.Watch("me", &gmailapi.WatchRequest{
			TopicName: c.cfg.PushTopic,
			LabelIds:  labelFilter,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out.WatchResult{
		HistoryCursor: strconv.FormatUint(resp.HistoryId, 10),
		ExpiresAt:     time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// StopWatch tears the subscription down.
func (c *Client) StopWatch(ctx context.Context, userID string) error {
	return c.call(ctx, userID, ratelimit.KindWrite, ratelimit.UnitsModify, "stop_watch", func(svc *gmailapi.Service) error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
}

var _ out.MailProvider = (*Client)(nil)
