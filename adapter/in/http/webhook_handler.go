package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/pkg/cache"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// webhookIdempotencyTTL suppresses redelivery of the same cursor.
const webhookIdempotencyTTL = 5 * time.Minute

// userByEmail resolves a mailbox address to its account.
type userByEmail interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// pushSink receives decoded push cursors; satisfied by watch.Manager.
type pushSink interface {
	HandlePush(ctx context.Context, userID, historyCursor string) error
}

// WebhookHandler consumes provider push notifications. The endpoint
// always answers 200: a non-2xx makes Pub/Sub redeliver, and the
// polling fallback covers anything dropped here.
type WebhookHandler struct {
	watch pushSink
	users userByEmail
	cache *cache.RedisCache
	log   *logger.Logger
}

func NewWebhookHandler(watchMgr pushSink, users userByEmail, cacheClient *cache.RedisCache) *WebhookHandler {
	return &WebhookHandler{
		watch: watchMgr,
		users: users,
		cache: cacheClient,
		log:   logger.WithField("component", "webhook"),
	}
}

func (h *WebhookHandler) Register(router fiber.Router) {
	router.Post("/webhook/mail", h.MailWebhook)
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushPayload is the decoded notification body.
type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// MailWebhook accepts one push notification and enqueues a cursor
// event for the mailbox it names.
// POST /webhook/mail
func (h *WebhookHandler) MailWebhook(c *fiber.Ctx) error {
	var envelope pushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		h.log.WithError(err).Warn("unparseable push envelope")
		return c.SendStatus(fiber.StatusOK)
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		h.log.WithError(err).Warn("push data not base64")
		return c.SendStatus(fiber.StatusOK)
	}

	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.log.WithError(err).Warn("push data not valid json")
		return c.SendStatus(fiber.StatusOK)
	}
	if payload.EmailAddress == "" || payload.HistoryID == 0 {
		h.log.Warn("push payload missing address or cursor")
		return c.SendStatus(fiber.StatusOK)
	}

	ctx := c.Context()
	user, err := h.users.GetByEmail(ctx, payload.EmailAddress)
	if err != nil {
		h.log.WithError(err).Error("user lookup for %s", payload.EmailAddress)
		return c.SendStatus(fiber.StatusOK)
	}
	if user == nil {
		h.log.Warn("push for unknown mailbox %s", payload.EmailAddress)
		return c.SendStatus(fiber.StatusOK)
	}

	if h.duplicate(ctx, user.ID, payload.HistoryID) {
		h.log.Debug("duplicate push for user %s cursor %d", user.ID, payload.HistoryID)
		return c.SendStatus(fiber.StatusOK)
	}

	cursor := strconv.FormatUint(payload.HistoryID, 10)
	if err := h.watch.HandlePush(ctx, user.ID, cursor); err != nil {
		// The event is lost here only until the next poll sweep.
		h.log.WithError(err).Error("push handling for user %s", user.ID)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *WebhookHandler) duplicate(ctx context.Context, userID string, historyID uint64) bool {
	if h.cache == nil {
		return false
	}
	key := fmt.Sprintf("webhook:seen:%s:%d", userID, historyID)
	ok, err := h.cache.AcquireLock(ctx, key, "webhook", webhookIdempotencyTTL)
	return err == nil && !ok
}
