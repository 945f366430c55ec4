// Package resolver decides which project each incoming message
// belongs to.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/metrics"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

// How many recent messages of the best candidate are sampled for the
// LLM similarity signal.
const similaritySampleSize = 3

// Two candidates closer than this are treated as an ambiguous pair.
const ambiguityBand = 0.05

// Counter updates retry this many times on optimistic-lock failure
// before surfacing PersistenceConflict.
const counterRetries = 3

// Config carries the confidence thresholds.
type Config struct {
	AutoThreshold   float64 // default 0.80
	ReviewThreshold float64 // default 0.60
	NewThreshold    float64 // default 0.40
	Normalize       AddressNormalizer
}

// Deps are the outbound ports the resolver drives.
type Deps struct {
	Projects    out.ProjectRepository
	Mappings    out.MappingRepository
	Patterns    out.PatternRepository
	Events      out.EventRepository
	Queue       out.QueueRepository
	Attachments out.AttachmentRepository
	Tx          out.TxRunner
	Extractor   out.EntityExtractor
	Cache       out.Cache
	IDs         *snowflake.Generator
}

// Resolver matches messages to projects using weighted signals,
// learned patterns and documented tie-breaks.
type Resolver struct {
	deps Deps
	cfg  Config
	log  *logger.Logger

	threadMu keyedMutex
}

func New(deps Deps, cfg Config) *Resolver {
	if cfg.Normalize == nil {
		cfg.Normalize = DefaultAddressNormalizer
	}
	return &Resolver{
		deps: deps,
		cfg:  cfg,
		log:  logger.WithField("component", "resolver"),
	}
}

// Resolution is the outcome of resolving one message.
type Resolution struct {
	Mapping        *domain.Mapping
	Project        *domain.Project
	CreatedProject bool
	Events         []*domain.ResolutionEvent
}

// candidate pairs a project with its computed score.
type candidate struct {
	project *domain.Project
	signals signalSet
	score   float64
}

// Resolve decides the project for one parsed message. Resolution for
// a (user, thread) pair is a critical section: messages of the same
// thread are resolved sequentially so the thread-consensus signal
// stays stable.
func (r *Resolver) Resolve(ctx context.Context, userID string, msg *domain.Message, entities *domain.Entities) (*Resolution, error) {
	started := time.Now()
	defer func() { metrics.RecordLatency("resolve", time.Since(started)) }()

	unlock := r.threadMu.lock(userID + "/" + msg.ThreadID)
	defer unlock()

	// Idempotent writes: a replayed event maps to the existing result.
	if existing, err := r.deps.Mappings.GetActive(ctx, userID, msg.ID); err == nil && existing != nil {
		project, err := r.deps.Projects.GetByID(ctx, userID, existing.ProjectID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Mapping: existing, Project: project}, nil
	}

	patterns, err := r.loadPatterns(ctx, userID)
	if err != nil {
		return nil, err
	}
	projects, err := r.loadProjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	threadProject, err := r.threadConsensus(ctx, userID, msg.ThreadID)
	if err != nil {
		return nil, err
	}

	candidates := r.scoreCandidates(ctx, userID, projects, entities, msg, threadProject, patterns)
	sortCandidates(candidates)

	res, err := r.decide(ctx, userID, msg, entities, candidates, threadProject)
	if err != nil {
		return nil, err
	}

	if err := r.commit(ctx, userID, msg, res); err != nil {
		return nil, err
	}
	r.invalidateProjectCache(ctx, userID)
	return res, nil
}

func (r *Resolver) loadPatterns(ctx context.Context, userID string) (*patternIndex, error) {
	active, err := r.deps.Patterns.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	return indexPatterns(active), nil
}

func (r *Resolver) loadProjects(ctx context.Context, userID string) ([]*domain.Project, error) {
	key := projectCacheKey(userID)
	if r.deps.Cache != nil {
		var cached []*domain.Project
		if hit, err := r.deps.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	projects, err := r.deps.Projects.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.deps.Cache != nil {
		_ = r.deps.Cache.SetJSON(ctx, key, projects, 5*time.Minute)
	}
	return projects, nil
}

func (r *Resolver) invalidateProjectCache(ctx context.Context, userID string) {
	if r.deps.Cache != nil {
		_ = r.deps.Cache.Delete(ctx, projectCacheKey(userID))
	}
}

func projectCacheKey(userID string) string {
	return "resolver:projects:" + userID
}

// threadConsensus returns the single project all active mappings of
// the thread point to, or 0 when the thread is unmapped or divided.
func (r *Resolver) threadConsensus(ctx context.Context, userID, threadID string) (int64, error) {
	if threadID == "" {
		return 0, nil
	}
	mappings, err := r.deps.Mappings.ListByThread(ctx, userID, threadID)
	if err != nil {
		return 0, err
	}
	var consensus int64
	for _, m := range mappings {
		if !m.Active {
			continue
		}
		if consensus == 0 {
			consensus = m.ProjectID
		} else if consensus != m.ProjectID {
			return 0, nil
		}
	}
	return consensus, nil
}

func (r *Resolver) scoreCandidates(
	ctx context.Context,
	userID string,
	projects []*domain.Project,
	entities *domain.Entities,
	msg *domain.Message,
	threadProject int64,
	patterns *patternIndex,
) []*candidate {
	confidence := entities.OverallConfidence
	candidates := make([]*candidate, 0, len(projects))

	for _, p := range projects {
		senderHistory := r.senderHistory(ctx, userID, p.ID)
		s := evalSignals(p, entities, msg, threadProject, senderHistory, patterns, r.cfg.Normalize)
		score := s.weight() * confidence
		if score > 0 {
			candidates = append(candidates, &candidate{project: p, signals: s, score: score})
		}
	}

	// Signal 6 costs an extractor call, so it is evaluated only for
	// the best candidate and only when it could change the decision.
	if len(candidates) > 0 {
		sortCandidates(candidates)
		best := candidates[0]
		if best.score < r.cfg.AutoThreshold && r.deps.Extractor != nil {
			if r.similarityMatch(ctx, userID, msg, entities, best.project) {
				best.signals.Similarity = true
				best.score = best.signals.weight() * confidence
			}
		}
	}
	return candidates
}

func (r *Resolver) senderHistory(ctx context.Context, userID string, projectID int64) map[string]bool {
	emails, err := r.deps.Mappings.ListSenderEmails(ctx, userID, projectID)
	if err != nil {
		return nil
	}
	set := make(map[string]bool, len(emails))
	for _, e := range emails {
		set[strings.ToLower(e)] = true
	}
	return set
}

// similarityMatch samples recent messages of the candidate project and
// asks the extractor for a pairwise comparison.
func (r *Resolver) similarityMatch(ctx context.Context, userID string, msg *domain.Message, entities *domain.Entities, p *domain.Project) bool {
	recent, err := r.deps.Mappings.ListByProject(ctx, userID, p.ID, similaritySampleSize)
	if err != nil {
		return false
	}
	a := out.CompareInput{
		Subject:     msg.Subject,
		Body:        msg.Body,
		SenderEmail: msg.From.Email,
		Entities:    entities,
	}
	for _, m := range recent {
		b := out.CompareInput{
			Subject:     m.Subject,
			Body:        m.Snippet,
			SenderEmail: m.SenderEmail,
		}
		sim, err := r.deps.Extractor.Compare(ctx, a, b)
		if err != nil {
			continue
		}
		if sim.Score >= similarityFloor {
			return true
		}
	}
	return false
}

// sortCandidates orders by score, then most recent last_email_at, then
// smaller project id. Deterministic.
func sortCandidates(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		li, lj := cs[i].project.LastEmailAt, cs[j].project.LastEmailAt
		switch {
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.After(*lj)
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		}
		return fmt.Sprintf("%d", cs[i].project.ID) < fmt.Sprintf("%d", cs[j].project.ID)
	})
}

// decide applies the threshold table, the thread-split rule and
// multi-project detection.
func (r *Resolver) decide(
	ctx context.Context,
	userID string,
	msg *domain.Message,
	entities *domain.Entities,
	candidates []*candidate,
	threadProject int64,
) (*Resolution, error) {
	res := &Resolution{}

	// Multi-project emails: several independent strong name candidates
	// produce an event; the message is still assigned once at most.
	multiProject := entities.ProjectName != nil && entities.ProjectName.Confidence >= 0.6 &&
		countStrongAltNames(entities) > 0

	var best *candidate
	if len(candidates) > 0 {
		best = candidates[0]
	}

	// Thread coupling: an existing consensus is honoured unless the
	// message's own signals point at another project with auto-grade
	// certainty, in which case the message splits off.
	if threadProject != 0 {
		if best != nil && best.project.ID != threadProject && best.score >= r.cfg.AutoThreshold {
			res.Project = best.project
			res.Mapping = r.newMapping(userID, msg, best, false)
			res.Mapping.SplitFromThread = true
			res.Events = append(res.Events, r.newEvent(userID, domain.EventSplitThread, msg.ID,
				[]int64{threadProject, best.project.ID},
				"message signals disagree with thread consensus"))
			return res, nil
		}
		consensus := findCandidate(candidates, threadProject)
		if consensus == nil {
			p, err := r.deps.Projects.GetByID(ctx, userID, threadProject)
			if err != nil {
				return nil, err
			}
			consensus = &candidate{
				project: p,
				signals: signalSet{Thread: true},
				score:   WeightThread * entities.OverallConfidence,
			}
		}
		res.Project = consensus.project
		res.Mapping = r.newMapping(userID, msg, consensus, false)
		return res, nil
	}

	switch {
	case best != nil && best.score >= r.cfg.AutoThreshold:
		res.Project = best.project
		res.Mapping = r.newMapping(userID, msg, best, false)

	case best != nil && best.score >= r.cfg.ReviewThreshold:
		res.Project = best.project
		res.Mapping = r.newMapping(userID, msg, best, true)

	case best != nil && best.score >= r.cfg.NewThreshold:
		if len(candidates) > 1 && candidates[0].score-candidates[1].score < ambiguityBand {
			// Ambiguous pair: assign to none, surface both.
			res.Events = append(res.Events, r.newEvent(userID, domain.EventMultiProject, msg.ID,
				[]int64{candidates[0].project.ID, candidates[1].project.ID},
				fmt.Sprintf("scores %.2f and %.2f within ambiguity band", candidates[0].score, candidates[1].score)))
			return res, nil
		}
		res.Project = best.project
		res.Mapping = r.newMapping(userID, msg, best, true)
		res.Events = append(res.Events, r.newEvent(userID, domain.EventLowConfidence, msg.ID,
			[]int64{best.project.ID},
			fmt.Sprintf("assigned with score %.2f", best.score)))

	default:
		project, err := r.seedProject(userID, entities, msg)
		if err != nil {
			return nil, err
		}
		res.Project = project
		res.CreatedProject = true
		res.Mapping = &domain.Mapping{
			ID:          r.deps.IDs.MustGenerate(),
			UserID:      userID,
			MessageID:   msg.ID,
			ThreadID:    msg.ThreadID,
			ProjectID:   project.ID,
			Confidence:  entities.OverallConfidence,
			Method:      domain.MethodAuto,
			Primary:     true,
			Active:      true,
			NeedsReview: project.NeedsReview,
			Subject:     msg.Subject,
			SenderName:  msg.From.Name,
			SenderEmail: msg.From.Email,
			MessageDate: &msg.Date,
			Snippet:     msg.Snippet,
		}
		res.Events = append(res.Events, r.newEvent(userID, domain.EventNewProject, msg.ID,
			[]int64{project.ID}, "no candidate above creation threshold"))
	}

	if multiProject && res.Project != nil && len(candidates) > 1 {
		ids := []int64{candidates[0].project.ID, candidates[1].project.ID}
		res.Events = append(res.Events, r.newEvent(userID, domain.EventMultiProject, msg.ID, ids,
			"multiple independent project names extracted"))
	}
	return res, nil
}

func findCandidate(cs []*candidate, projectID int64) *candidate {
	for _, c := range cs {
		if c.project.ID == projectID {
			return c
		}
	}
	return nil
}

func countStrongAltNames(e *domain.Entities) int {
	n := 0
	for _, alt := range e.AltNames {
		if alt.Confidence >= 0.6 {
			n++
		}
	}
	return n
}

func (r *Resolver) newMapping(userID string, msg *domain.Message, c *candidate, needsReview bool) *domain.Mapping {
	method := domain.MethodAuto
	if c.signals.Similarity && c.signals.weight()-WeightSimilarity < 0.3 {
		// Similarity was the decisive evidence.
		method = domain.MethodSimilarity
	}
	return &domain.Mapping{
		ID:          r.deps.IDs.MustGenerate(),
		UserID:      userID,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		ProjectID:   c.project.ID,
		Confidence:  c.score,
		Method:      method,
		Primary:     true,
		Active:      true,
		NeedsReview: needsReview,
		Subject:     msg.Subject,
		SenderName:  msg.From.Name,
		SenderEmail: msg.From.Email,
		MessageDate: &msg.Date,
		Snippet:     msg.Snippet,
	}
}

func (r *Resolver) newEvent(userID string, kind domain.ResolutionEventKind, messageID string, projectIDs []int64, detail string) *domain.ResolutionEvent {
	return &domain.ResolutionEvent{
		ID:         r.deps.IDs.MustGenerate(),
		UserID:     userID,
		Kind:       kind,
		MessageID:  messageID,
		ProjectIDs: projectIDs,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
}

// seedProject builds a new project from the extracted entities.
func (r *Resolver) seedProject(userID string, entities *domain.Entities, msg *domain.Message) (*domain.Project, error) {
	name := ""
	var aliases []string
	if entities.ProjectName != nil {
		name = entities.ProjectName.Value
		aliases = entities.ProjectName.Aliases
	}
	if name == "" && entities.Address != nil && entities.Address.Street != "" {
		name = entities.Address.Street
	}
	if name == "" {
		name = msg.Subject
	}
	if name == "" {
		return nil, apperr.InvalidInput("project_name", "no name could be derived from the message")
	}

	p := &domain.Project{
		ID:          r.deps.IDs.MustGenerate(),
		UserID:      userID,
		Name:        name,
		Status:      domain.ProjectActive,
		Confidence:  entities.OverallConfidence,
		NeedsReview: entities.OverallConfidence < 0.60,
		Client: domain.ClientContact{
			Name:    entities.Client.Name,
			Email:   entities.Client.Email,
			Phone:   entities.Client.Phone,
			Company: entities.Client.Company,
		},
	}
	for _, a := range aliases {
		p.AddAlias(a)
	}
	if entities.Address != nil {
		p.Address = domain.Address{
			Full:     entities.Address.Full,
			Street:   entities.Address.Street,
			Locality: entities.Address.Locality,
			Region:   entities.Address.Region,
			Postcode: entities.Address.Postcode,
		}
	}
	for _, jn := range entities.JobNumbers {
		p.AddJobNumber(jn.Value)
	}
	return p, nil
}

// commit persists the resolution atomically: mapping write, project
// counter update, reflection task and UI events stand or fall
// together.
func (r *Resolver) commit(ctx context.Context, userID string, msg *domain.Message, res *Resolution) error {
	if res.Mapping == nil {
		// Ambiguous outcome: only events to record.
		for _, e := range res.Events {
			if err := r.deps.Events.Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}

	return r.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := r.deps.Tx.AdvisoryLock(ctx, userID, msg.ThreadID); err != nil {
			return err
		}

		if res.CreatedProject {
			if err := r.deps.Projects.Create(ctx, res.Project); err != nil {
				return err
			}
		}
		if err := r.deps.Mappings.Upsert(ctx, res.Mapping); err != nil {
			return err
		}
		if len(msg.Attachments) > 0 {
			for i := range msg.Attachments {
				msg.Attachments[i].ProjectID = res.Project.ID
			}
			if err := r.deps.Attachments.SaveAll(ctx, userID, msg.Attachments); err != nil {
				return err
			}
		}
		if err := r.updateCounters(ctx, userID, res.Project.ID); err != nil {
			return err
		}
		if err := r.enqueueReflection(ctx, userID, msg, res); err != nil {
			return err
		}
		for _, e := range res.Events {
			if err := r.deps.Events.Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// updateCounters recomputes email_count and last_email_at from active
// mappings, with a small optimistic-lock retry budget.
func (r *Resolver) updateCounters(ctx context.Context, userID string, projectID int64) error {
	for attempt := 0; attempt < counterRetries; attempt++ {
		p, err := r.deps.Projects.GetByID(ctx, userID, projectID)
		if err != nil {
			return err
		}
		count, err := r.deps.Mappings.CountActive(ctx, userID, projectID)
		if err != nil {
			return err
		}
		last, err := r.deps.Mappings.LastActiveAt(ctx, userID, projectID)
		if err != nil {
			return err
		}
		p.EmailCount = count
		p.LastEmailAt = last

		err = r.deps.Projects.Save(ctx, p)
		if err == nil {
			return nil
		}
		if !apperr.HasCode(err, apperr.CodePersistenceConflict) {
			return err
		}
	}
	return apperr.PersistenceConflict("project")
}

func (r *Resolver) enqueueReflection(ctx context.Context, userID string, msg *domain.Message, res *Resolution) error {
	task := domain.ProcessingTask{
		Kind:      domain.TaskReflect,
		UserID:    userID,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		ProjectID: res.Project.ID,
		LabelName: "Project: " + res.Project.Name,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.deps.Queue.Enqueue(ctx, &domain.QueueItem{
		Queue:    domain.QueueAIProcessing,
		UserID:   userID,
		DedupKey: fmt.Sprintf("reflect:%s:%d", msg.ID, res.Project.ID),
		Payload:  payload,
		Priority: domain.PriorityDefault,
		Status:   domain.StatusPending,
	})
}

// keyedMutex serializes callers holding the same key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entryMutex
}

type entryMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entryMutex)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entryMutex{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

