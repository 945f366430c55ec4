package worker

import (
	"context"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/reflection"
	"github.com/GPEire/Tradie-GSuite/core/service/resolver"
	"github.com/GPEire/Tradie-GSuite/core/service/scanning"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// AIProcessor runs the content pipeline: fetch, extract, resolve, and
// the follow-up label reflection and retroactive slices.
type AIProcessor struct {
	provider    out.MailProvider
	extractor   out.EntityExtractor
	resolver    *resolver.Resolver
	reflector   *reflection.Reflector
	scanner     *scanning.Scanner
	projects    out.ProjectRepository
	attachments out.AttachmentRepository
	queue       out.QueueRepository
	users       out.UserRepository
	log         *logger.Logger
}

type AIProcessorDeps struct {
	Provider    out.MailProvider
	Extractor   out.EntityExtractor
	Resolver    *resolver.Resolver
	Reflector   *reflection.Reflector
	Scanner     *scanning.Scanner
	Projects    out.ProjectRepository
	Attachments out.AttachmentRepository
	Queue       out.QueueRepository
	Users       out.UserRepository
}

func NewAIProcessor(deps AIProcessorDeps) *AIProcessor {
	return &AIProcessor{
		provider:    deps.Provider,
		extractor:   deps.Extractor,
		resolver:    deps.Resolver,
		reflector:   deps.Reflector,
		scanner:     deps.Scanner,
		projects:    deps.Projects,
		attachments: deps.Attachments,
		queue:       deps.Queue,
		users:       deps.Users,
		log:         logger.WithField("component", "ai_processor"),
	}
}

func (p *AIProcessor) Process(ctx context.Context, task domain.ProcessingTask) error {
	var err error
	switch task.Kind {
	case domain.TaskExtract:
		err = p.processExtract(ctx, task.UserID, task.MessageID)
	case domain.TaskGroupBatch:
		err = p.processBatch(ctx, task)
	case domain.TaskReflect:
		err = p.processReflect(ctx, task)
	case domain.TaskRetroSlice:
		err = p.processSlice(ctx, task)
	default:
		p.log.Warn("unknown task kind %s for user %s", task.Kind, task.UserID)
		err = apperr.BadRequest("unknown task kind")
	}
	return applyUserFailurePolicy(ctx, p.queue, p.users, p.log, task.UserID, err)
}

// processExtract is one message through the full pipeline.
func (p *AIProcessor) processExtract(ctx context.Context, userID, messageID string) error {
	msg, err := p.provider.FetchMessage(ctx, userID, messageID, true)
	if apperr.HasCode(err, apperr.CodeNotFound) {
		// Deleted between enumeration and fetch. Nothing to resolve.
		p.log.Debug("message %s vanished before fetch, skipping", messageID)
		return nil
	}
	if err != nil {
		return err
	}

	if len(msg.Attachments) > 0 {
		if err := p.attachments.SaveAll(ctx, userID, msg.Attachments); err != nil {
			return err
		}
	}

	existing, err := p.projects.ListActive(ctx, userID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(existing))
	for _, pr := range existing {
		names = append(names, pr.Name)
	}
	attNames := make([]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attNames = append(attNames, att.Filename)
	}

	entities, err := p.extractor.Extract(ctx, out.ExtractInput{
		Subject:          msg.Subject,
		Body:             msg.Body,
		SenderName:       msg.From.Name,
		SenderEmail:      msg.From.Email,
		AttachmentNames:  attNames,
		ExistingProjects: names,
	})
	if err != nil {
		return err
	}

	res, err := p.resolver.Resolve(ctx, userID, msg, entities)
	if err != nil {
		return err
	}
	if res.Mapping != nil {
		p.log.Info("message %s resolved to project %d (confidence %.2f, created=%t)",
			messageID, res.Mapping.ProjectID, res.Mapping.Confidence, res.CreatedProject)
	} else {
		p.log.Info("message %s left unresolved for review", messageID)
	}
	return nil
}

func (p *AIProcessor) processBatch(ctx context.Context, task domain.ProcessingTask) error {
	for _, id := range task.MessageIDs {
		if err := p.processExtract(ctx, task.UserID, id); err != nil {
			return err
		}
	}
	return nil
}

// processReflect applies label changes in the mailbox. The remove runs
// first so a reassignment never leaves both project labels visible.
func (p *AIProcessor) processReflect(ctx context.Context, task domain.ProcessingTask) error {
	if task.RemoveLabel != "" {
		if err := p.reflector.Remove(ctx, task.UserID, task.MessageID, task.RemoveLabel); err != nil {
			return err
		}
	}
	if task.LabelName == "" {
		return nil
	}
	return p.reflector.Apply(ctx, task.UserID, task.MessageID, task.LabelName)
}

func (p *AIProcessor) processSlice(ctx context.Context, task domain.ProcessingTask) error {
	n, err := p.scanner.ProcessSlice(ctx, task)
	if err != nil {
		return err
	}
	p.log.Info("retro slice %s..%s for user %s enqueued %d messages",
		task.SliceStart.Format("2006-01-02"), task.SliceEnd.Format("2006-01-02"), task.UserID, n)
	return nil
}
