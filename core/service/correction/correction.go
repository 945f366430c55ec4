// Package correction applies user overrides of resolver decisions and
// records them in the append-only correction log.
package correction

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

const labelPrefix = "Project: "

// Counter updates retry this many times on optimistic-lock failure.
const counterRetries = 3

// Deps are the outbound ports the correction service drives.
type Deps struct {
	Projects    out.ProjectRepository
	Mappings    out.MappingRepository
	Corrections out.CorrectionRepository
	Attachments out.AttachmentRepository
	Queue       out.QueueRepository
	Tx          out.TxRunner
	IDs         *snowflake.Generator
}

// Service records corrections and reshapes projects and mappings
// accordingly. Every operation is one transaction: mapping moves,
// counter recomputation and the correction record commit together.
type Service struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps) *Service {
	return &Service{deps: deps, log: logger.WithField("component", "correction")}
}

// Assign moves a message to the given project, overriding whatever the
// resolver decided. The manual mapping carries full confidence and
// never needs review.
func (s *Service) Assign(ctx context.Context, userID, messageID string, projectID int64, reason string) (*domain.Correction, error) {
	target, err := s.deps.Projects.GetByID(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, apperr.NotFound("project")
	}

	existing, err := s.deps.Mappings.GetActive(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ProjectID == projectID && existing.Method == domain.MethodManual {
		return nil, apperr.Conflict("message already assigned to this project")
	}

	c := s.newCorrection(userID, domain.CorrectionAssign, messageID, projectID, reason)
	var fromProject int64
	if existing != nil {
		fromProject = existing.ProjectID
		c.Original.Mappings = append(c.Original.Mappings, *existing)
	}

	mapping := &domain.Mapping{
		ID:         s.deps.IDs.MustGenerate(),
		UserID:     userID,
		MessageID:  messageID,
		ThreadID:   threadOf(existing),
		ProjectID:  projectID,
		Confidence: 1.0,
		Method:     domain.MethodManual,
		Primary:    true,
		Active:     true,
	}
	if existing != nil {
		mapping.Subject = existing.Subject
		mapping.SenderName = existing.SenderName
		mapping.SenderEmail = existing.SenderEmail
		mapping.MessageDate = existing.MessageDate
		mapping.Snippet = existing.Snippet
	}
	c.Corrected.Mappings = append(c.Corrected.Mappings, *mapping)

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if existing != nil {
			if err := s.deps.Mappings.Deactivate(ctx, userID, messageID); err != nil {
				return err
			}
		}
		if err := s.deps.Mappings.Upsert(ctx, mapping); err != nil {
			return err
		}
		if err := s.deps.Attachments.RepointByMessages(ctx, userID, []string{messageID}, projectID); err != nil {
			return err
		}
		if err := s.recomputeCounters(ctx, userID, projectID, fromProject); err != nil {
			return err
		}
		if fromProject != 0 {
			if old, err := s.deps.Projects.GetByID(ctx, userID, fromProject); err == nil && old != nil {
				if err := s.enqueueRelabel(ctx, userID, messageID, 0, "", labelPrefix+old.Name); err != nil {
					return err
				}
			}
		}
		if err := s.enqueueRelabel(ctx, userID, messageID, projectID, labelPrefix+target.Name, ""); err != nil {
			return err
		}
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Unassign removes a message from its project without assigning it
// elsewhere.
func (s *Service) Unassign(ctx context.Context, userID, messageID, reason string) (*domain.Correction, error) {
	existing, err := s.deps.Mappings.GetActive(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.NotFound("mapping")
	}

	c := s.newCorrection(userID, domain.CorrectionUnassign, messageID, existing.ProjectID, reason)
	c.Original.Mappings = append(c.Original.Mappings, *existing)

	project, err := s.deps.Projects.GetByID(ctx, userID, existing.ProjectID)
	if err != nil {
		return nil, err
	}

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Mappings.Deactivate(ctx, userID, messageID); err != nil {
			return err
		}
		if err := s.recomputeCounters(ctx, userID, existing.ProjectID, 0); err != nil {
			return err
		}
		if project != nil {
			if err := s.enqueueRelabel(ctx, userID, messageID, 0, "", labelPrefix+project.Name); err != nil {
				return err
			}
		}
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Merge folds the source project into the target: every mapping is
// repointed, source name and aliases become target aliases, job
// numbers union, and the source is archived. Attachments follow their
// messages.
func (s *Service) Merge(ctx context.Context, userID string, sourceID, targetID int64, reason string) (*domain.Correction, error) {
	if sourceID == targetID {
		return nil, apperr.InvalidInput("target_id", "cannot merge a project into itself")
	}
	source, err := s.deps.Projects.GetByID(ctx, userID, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := s.deps.Projects.GetByID(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}
	if source == nil || target == nil {
		return nil, apperr.NotFound("project")
	}

	c := s.newCorrection(userID, domain.CorrectionMerge, "", targetID, reason)
	c.Original.Projects = append(c.Original.Projects, *source, *target)

	moved, err := s.deps.Mappings.ListByProject(ctx, userID, sourceID, 0)
	if err != nil {
		return nil, err
	}
	movedIDs := make([]string, 0, len(moved))
	for _, m := range moved {
		if m.Active {
			movedIDs = append(movedIDs, m.MessageID)
			c.Original.Mappings = append(c.Original.Mappings, *m)
		}
	}

	target.AddAlias(source.Name)
	for _, a := range source.Aliases {
		target.AddAlias(a)
	}
	for _, jn := range source.JobNumbers {
		target.AddJobNumber(jn)
	}
	if target.Address.Empty() && !source.Address.Empty() {
		target.Address = source.Address
	}
	if target.Client.Email == "" {
		target.Client = source.Client
	}
	source.Status = domain.ProjectArchived

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.deps.Mappings.Repoint(ctx, userID, sourceID, targetID, movedIDs); err != nil {
			return err
		}
		if err := s.deps.Attachments.RepointByMessages(ctx, userID, movedIDs, targetID); err != nil {
			return err
		}
		if err := s.saveWithRetry(ctx, userID, target); err != nil {
			return err
		}
		if err := s.saveWithRetry(ctx, userID, source); err != nil {
			return err
		}
		if err := s.recomputeCounters(ctx, userID, targetID, sourceID); err != nil {
			return err
		}
		for _, id := range movedIDs {
			if err := s.enqueueRelabel(ctx, userID, id, targetID, labelPrefix+target.Name, labelPrefix+source.Name); err != nil {
				return err
			}
		}
		c.Corrected.Projects = append(c.Corrected.Projects, *source, *target)
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Split carves the given messages out of a project into a new one.
func (s *Service) Split(ctx context.Context, userID string, projectID int64, messageIDs []string, newName, reason string) (*domain.Correction, error) {
	if len(messageIDs) == 0 {
		return nil, apperr.MissingField("message_ids")
	}
	if newName == "" {
		return nil, apperr.MissingField("new_name")
	}
	source, err := s.deps.Projects.GetByID(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, apperr.NotFound("project")
	}

	created := &domain.Project{
		ID:         s.deps.IDs.MustGenerate(),
		UserID:     userID,
		Name:       newName,
		Status:     domain.ProjectActive,
		Confidence: 1.0,
	}

	c := s.newCorrection(userID, domain.CorrectionSplit, "", projectID, reason)
	c.Original.Projects = append(c.Original.Projects, *source)

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Projects.Create(ctx, created); err != nil {
			return err
		}
		n, err := s.deps.Mappings.Repoint(ctx, userID, projectID, created.ID, messageIDs)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("mapping")
		}
		if err := s.deps.Attachments.RepointByMessages(ctx, userID, messageIDs, created.ID); err != nil {
			return err
		}
		if err := s.recomputeCounters(ctx, userID, created.ID, projectID); err != nil {
			return err
		}
		for _, id := range messageIDs {
			if err := s.enqueueRelabel(ctx, userID, id, created.ID, labelPrefix+created.Name, labelPrefix+source.Name); err != nil {
				return err
			}
		}
		c.Corrected.Projects = append(c.Corrected.Projects, *source, *created)
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Rename changes a project's display name. The old name survives as an
// alias so historic references keep matching, and every active message
// is relabelled.
func (s *Service) Rename(ctx context.Context, userID string, projectID int64, newName, reason string) (*domain.Correction, error) {
	if newName == "" {
		return nil, apperr.MissingField("new_name")
	}
	project, err := s.deps.Projects.GetByID(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFound("project")
	}
	if project.Name == newName {
		return nil, apperr.Conflict("project already has this name")
	}

	c := s.newCorrection(userID, domain.CorrectionRename, "", projectID, reason)
	c.Original.Projects = append(c.Original.Projects, *project)

	oldName := project.Name
	project.AddAlias(oldName)
	project.Name = newName

	mappings, err := s.deps.Mappings.ListByProject(ctx, userID, projectID, 0)
	if err != nil {
		return nil, err
	}

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.saveWithRetry(ctx, userID, project); err != nil {
			return err
		}
		for _, m := range mappings {
			if !m.Active {
				continue
			}
			if err := s.enqueueRelabel(ctx, userID, m.MessageID, projectID, labelPrefix+newName, labelPrefix+oldName); err != nil {
				return err
			}
		}
		c.Corrected.Projects = append(c.Corrected.Projects, *project)
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies alias additions and a status change. Aliases and
// status carry no relabelling, so this stays lighter than Rename.
func (s *Service) Update(ctx context.Context, userID string, projectID int64, addAliases []string, status domain.ProjectStatus, reason string) (*domain.Correction, error) {
	if len(addAliases) == 0 && status == "" {
		return nil, apperr.BadRequest("nothing to update")
	}
	if status != "" && !status.Valid() {
		return nil, apperr.InvalidInput("status", "unknown status")
	}
	project, err := s.deps.Projects.GetByID(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFound("project")
	}

	c := s.newCorrection(userID, domain.CorrectionUpdate, "", projectID, reason)
	c.Original.Projects = append(c.Original.Projects, *project)

	for _, a := range addAliases {
		project.AddAlias(a)
	}
	if status != "" {
		project.Status = status
	}

	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.saveWithRetry(ctx, userID, project); err != nil {
			return err
		}
		c.Corrected.Projects = append(c.Corrected.Projects, *project)
		return s.deps.Corrections.Append(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) newCorrection(userID string, t domain.CorrectionType, messageID string, projectID int64, reason string) *domain.Correction {
	return &domain.Correction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      t,
		MessageID: messageID,
		ProjectID: projectID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

func threadOf(m *domain.Mapping) string {
	if m == nil {
		return ""
	}
	return m.ThreadID
}

// recomputeCounters refreshes email_count and last_email_at for the
// touched projects from their active mappings.
func (s *Service) recomputeCounters(ctx context.Context, userID string, projectIDs ...int64) error {
	seen := make(map[int64]bool, len(projectIDs))
	for _, id := range projectIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		if err := s.recomputeOne(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recomputeOne(ctx context.Context, userID string, projectID int64) error {
	for attempt := 0; attempt < counterRetries; attempt++ {
		p, err := s.deps.Projects.GetByID(ctx, userID, projectID)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		count, err := s.deps.Mappings.CountActive(ctx, userID, projectID)
		if err != nil {
			return err
		}
		last, err := s.deps.Mappings.LastActiveAt(ctx, userID, projectID)
		if err != nil {
			return err
		}
		p.EmailCount = count
		p.LastEmailAt = last

		err = s.deps.Projects.Save(ctx, p)
		if err == nil {
			return nil
		}
		if !apperr.HasCode(err, apperr.CodePersistenceConflict) {
			return err
		}
	}
	return apperr.PersistenceConflict("project")
}

func (s *Service) saveWithRetry(ctx context.Context, userID string, p *domain.Project) error {
	err := s.deps.Projects.Save(ctx, p)
	if err == nil {
		return nil
	}
	if !apperr.HasCode(err, apperr.CodePersistenceConflict) {
		return err
	}
	// Refetch and reapply the field changes once before giving up.
	fresh, ferr := s.deps.Projects.GetByID(ctx, userID, p.ID)
	if ferr != nil || fresh == nil {
		return err
	}
	fresh.Name = p.Name
	fresh.Aliases = p.Aliases
	fresh.JobNumbers = p.JobNumbers
	fresh.Address = p.Address
	fresh.Client = p.Client
	fresh.Status = p.Status
	*p = *fresh
	return s.deps.Projects.Save(ctx, p)
}

// enqueueRelabel queues one reflect task. addLabel or removeLabel may
// be empty; the worker applies whichever is set.
func (s *Service) enqueueRelabel(ctx context.Context, userID, messageID string, projectID int64, addLabel, removeLabel string) error {
	task := domain.ProcessingTask{
		Kind:        domain.TaskReflect,
		UserID:      userID,
		MessageID:   messageID,
		ProjectID:   projectID,
		LabelName:   addLabel,
		RemoveLabel: removeLabel,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.deps.Queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueAIProcessing,
		UserID:   userID,
		DedupKey: fmt.Sprintf("reflect:%s:%d", messageID, projectID),
		Payload:  payload,
		Priority: domain.PriorityDefault,
		Status:   domain.StatusPending,
	})
}
