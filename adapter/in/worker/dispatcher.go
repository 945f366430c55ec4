// Package worker drains the durable queues and runs the processing
// pipeline: notification fan-out, extraction and resolution, label
// reflection and retroactive scan slices.
package worker

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// Handler routes a reserved queue item to its processor.
type Handler struct {
	notifications *NotificationProcessor
	ai            *AIProcessor
	log           *logger.Logger
}

func NewHandler(notifications *NotificationProcessor, ai *AIProcessor) *Handler {
	return &Handler{
		notifications: notifications,
		ai:            ai,
		log:           logger.WithField("component", "dispatcher"),
	}
}

func (h *Handler) Process(ctx context.Context, item *domain.QueueItem) error {
	switch item.Queue {
	case domain.QueueNotifications:
		var event domain.MessageEvent
		if err := json.Unmarshal(item.Payload, &event); err != nil {
			return apperr.BadRequest("undecodable notification payload").WithError(err)
		}
		return h.notifications.Process(ctx, event)

	case domain.QueueAIProcessing:
		var task domain.ProcessingTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return apperr.BadRequest("undecodable task payload").WithError(err)
		}
		return h.ai.Process(ctx, task)

	default:
		h.log.Warn("item %d on unknown queue %s", item.ID, item.Queue)
		return apperr.BadRequest("unknown queue")
	}
}
