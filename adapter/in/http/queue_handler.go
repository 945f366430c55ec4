package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/response"
)

// QueueHandler exposes the operational queue endpoints: depth stats,
// manual drain nudges, and dead-letter inspection.
type QueueHandler struct {
	queue           out.QueueRepository
	projects        out.ProjectRepository
	publisher       out.StreamPublisher
	reviewRateAlert float64
}

func NewQueueHandler(queue out.QueueRepository, projects out.ProjectRepository, publisher out.StreamPublisher, reviewRateAlert float64) *QueueHandler {
	return &QueueHandler{
		queue:           queue,
		projects:        projects,
		publisher:       publisher,
		reviewRateAlert: reviewRateAlert,
	}
}

func (h *QueueHandler) Register(router fiber.Router) {
	queue := router.Group("/queue")
	queue.Get("/", h.Stats)
	queue.Post("/process", h.Process)
	queue.Get("/dead", h.ListDead)
	queue.Post("/dead/:id/replay", h.ReplayDead)
}

// Stats returns per-status depths for both queues plus the caller's
// review rate. The alert flag trips when the share of projects
// awaiting review crosses the configured threshold.
// GET /api/v1/queue
func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	stats := make([]*domain.QueueStats, 0, 2)
	for _, q := range []domain.QueueName{domain.QueueNotifications, domain.QueueAIProcessing} {
		st, err := h.queue.Stats(c.Context(), q)
		if err != nil {
			return err
		}
		stats = append(stats, st)
	}

	total, err := h.projects.Count(c.Context(), userID, out.ProjectFilter{})
	if err != nil {
		return err
	}
	needsReview := true
	reviewCount, err := h.projects.Count(c.Context(), userID, out.ProjectFilter{NeedsReview: &needsReview})
	if err != nil {
		return err
	}

	reviewRate := 0.0
	if total > 0 {
		reviewRate = float64(reviewCount) / float64(total)
	}

	return response.OK(c, fiber.Map{
		"queues":            stats,
		"review_rate":       reviewRate,
		"review_rate_alert": h.reviewRateAlert > 0 && reviewRate > h.reviewRateAlert,
	})
}

// Process nudges the worker drain loops so pending items are picked up
// without waiting for the idle timer.
// POST /api/v1/queue/process?queue=ai_processing
func (h *QueueHandler) Process(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	if h.publisher == nil {
		return apperr.Internal("stream publisher not configured")
	}

	targets := []domain.QueueName{domain.QueueNotifications, domain.QueueAIProcessing}
	if q := c.Query("queue"); q != "" {
		name := domain.QueueName(q)
		if name != domain.QueueNotifications && name != domain.QueueAIProcessing {
			return apperr.InvalidInput("queue", "unknown queue")
		}
		targets = []domain.QueueName{name}
	}

	for _, q := range targets {
		if err := h.publisher.PublishNudge(c.Context(), out.Nudge{Queue: string(q), UserID: userID}); err != nil {
			return err
		}
	}
	return response.Accepted(c, fiber.Map{"nudged": targets})
}

// ListDead returns dead-lettered items for inspection.
// GET /api/v1/queue/dead?queue=ai_processing&limit=50
func (h *QueueHandler) ListDead(c *fiber.Ctx) error {
	if _, err := UserID(c); err != nil {
		return err
	}

	queue := domain.QueueName(c.Query("queue", string(domain.QueueAIProcessing)))
	if queue != domain.QueueNotifications && queue != domain.QueueAIProcessing {
		return apperr.InvalidInput("queue", "unknown queue")
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	items, err := h.queue.ListDead(c.Context(), queue, limit)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"items": items, "total": len(items)})
}

// ReplayDead resets a dead item for another run.
// POST /api/v1/queue/dead/:id/replay
func (h *QueueHandler) ReplayDead(c *fiber.Ctx) error {
	if _, err := UserID(c); err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.queue.ReplayDead(c.Context(), id); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"replayed": id})
}
