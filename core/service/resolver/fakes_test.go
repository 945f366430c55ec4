package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// In-memory port implementations shared by the resolver tests.

type fakeStore struct {
	mu       sync.Mutex
	projects map[int64]*domain.Project
	mappings map[string]*domain.Mapping // keyed by user/message
	patterns []*domain.LearningPattern
	events   []*domain.ResolutionEvent
	queue    []*domain.QueueItem
	atts     []domain.Attachment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[int64]*domain.Project),
		mappings: make(map[string]*domain.Mapping),
	}
}

func mappingKey(userID, messageID string) string { return userID + "/" + messageID }

// --- ProjectRepository ---

type fakeProjects struct{ s *fakeStore }

func (f *fakeProjects) Create(_ context.Context, p *domain.Project) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *p
	cp.Version = 1
	f.s.projects[p.ID] = &cp
	return nil
}

func (f *fakeProjects) GetByID(_ context.Context, userID string, id int64) (*domain.Project, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p, ok := f.s.projects[id]
	if !ok || p.UserID != userID {
		return nil, apperr.NotFound("project")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) ListByUser(_ context.Context, userID string, _ out.ProjectFilter) ([]*domain.Project, error) {
	return f.listActive(userID), nil
}

func (f *fakeProjects) ListActive(_ context.Context, userID string) ([]*domain.Project, error) {
	return f.listActive(userID), nil
}

func (f *fakeProjects) listActive(userID string) []*domain.Project {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.Project
	for _, p := range f.s.projects {
		if p.UserID == userID && p.Status != domain.ProjectArchived {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (f *fakeProjects) Save(_ context.Context, p *domain.Project) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cur, ok := f.s.projects[p.ID]
	if !ok {
		return apperr.NotFound("project")
	}
	if cur.Version != p.Version {
		return apperr.PersistenceConflict("project")
	}
	cp := *p
	cp.Version++
	f.s.projects[p.ID] = &cp
	return nil
}

func (f *fakeProjects) Count(_ context.Context, userID string, _ out.ProjectFilter) (int, error) {
	return len(f.listActive(userID)), nil
}

// --- MappingRepository ---

type fakeMappings struct{ s *fakeStore }

func (f *fakeMappings) Upsert(_ context.Context, m *domain.Mapping) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.s.mappings[mappingKey(m.UserID, m.MessageID)] = &cp
	return nil
}

func (f *fakeMappings) GetActive(_ context.Context, userID, messageID string) (*domain.Mapping, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	m, ok := f.s.mappings[mappingKey(userID, messageID)]
	if !ok || !m.Active {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMappings) ListByProject(_ context.Context, userID string, projectID int64, limit int) ([]*domain.Mapping, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.Mapping
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.ProjectID == projectID && m.Active {
			cp := *m
			result = append(result, &cp)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeMappings) ListByThread(_ context.Context, userID, threadID string) ([]*domain.Mapping, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.Mapping
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.ThreadID == threadID {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakeMappings) ListSenderEmails(_ context.Context, userID string, projectID int64) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	seen := make(map[string]bool)
	var result []string
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.ProjectID == projectID && m.Active && m.SenderEmail != "" {
			e := strings.ToLower(m.SenderEmail)
			if !seen[e] {
				seen[e] = true
				result = append(result, e)
			}
		}
	}
	return result, nil
}

func (f *fakeMappings) Deactivate(_ context.Context, userID, messageID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if m, ok := f.s.mappings[mappingKey(userID, messageID)]; ok {
		m.Active = false
	}
	return nil
}

func (f *fakeMappings) Repoint(_ context.Context, userID string, fromProject, toProject int64, messageIDs []string) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	n := 0
	for _, m := range f.s.mappings {
		if m.UserID != userID || !m.Active || m.ProjectID != fromProject {
			continue
		}
		if len(messageIDs) > 0 && !wanted[m.MessageID] {
			continue
		}
		m.ProjectID = toProject
		n++
	}
	return n, nil
}

func (f *fakeMappings) SetReflectionPending(_ context.Context, userID, messageID string, pending bool) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if m, ok := f.s.mappings[mappingKey(userID, messageID)]; ok {
		m.ReflectionPending = pending
	}
	return nil
}

func (f *fakeMappings) ListReflectionPending(_ context.Context, userID string, limit int) ([]*domain.Mapping, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.Mapping
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.Active && m.ReflectionPending {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakeMappings) CountActive(_ context.Context, userID string, projectID int64) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n := 0
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.ProjectID == projectID && m.Active {
			n++
		}
	}
	return n, nil
}

func (f *fakeMappings) LastActiveAt(_ context.Context, userID string, projectID int64) (*time.Time, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var last *time.Time
	for _, m := range f.s.mappings {
		if m.UserID == userID && m.ProjectID == projectID && m.Active {
			t := m.CreatedAt
			if last == nil || t.After(*last) {
				last = &t
			}
		}
	}
	return last, nil
}

// --- PatternRepository ---

type fakePatterns struct{ s *fakeStore }

func (f *fakePatterns) Upsert(_ context.Context, p *domain.LearningPattern) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *p
	f.s.patterns = append(f.s.patterns, &cp)
	return nil
}

func (f *fakePatterns) ListActive(_ context.Context, userID string) ([]*domain.LearningPattern, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.LearningPattern
	for _, p := range f.s.patterns {
		if p.UserID == userID && p.Active {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakePatterns) Deactivate(_ context.Context, userID string, id int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.patterns {
		if p.UserID == userID && p.ID == id {
			p.Active = false
		}
	}
	return nil
}

func (f *fakePatterns) IncrementUsage(_ context.Context, id int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.patterns {
		if p.ID == id {
			p.UsageCount++
		}
	}
	return nil
}

// --- EventRepository ---

type fakeEvents struct{ s *fakeStore }

func (f *fakeEvents) Append(_ context.Context, e *domain.ResolutionEvent) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *e
	f.s.events = append(f.s.events, &cp)
	return nil
}

func (f *fakeEvents) ListRecent(_ context.Context, userID string, limit int) ([]*domain.ResolutionEvent, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []*domain.ResolutionEvent
	for _, e := range f.s.events {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- QueueRepository (enqueue-only surface used by the resolver) ---

type fakeQueue struct{ s *fakeStore }

func (f *fakeQueue) Enqueue(_ context.Context, item *domain.QueueItem) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, existing := range f.s.queue {
		if existing.UserID == item.UserID && existing.DedupKey == item.DedupKey {
			if item.Priority < existing.Priority {
				existing.Priority = item.Priority
			}
			return nil
		}
	}
	cp := *item
	f.s.queue = append(f.s.queue, &cp)
	return nil
}

func (f *fakeQueue) Reserve(context.Context, domain.QueueName, string, int, time.Duration) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueue) Complete(context.Context, int64) error { return nil }
func (f *fakeQueue) Fail(context.Context, int64, string, bool, time.Duration, int, time.Duration) error {
	return nil
}
func (f *fakeQueue) ExtendLease(context.Context, int64, time.Duration) error      { return nil }
func (f *fakeQueue) ReleaseExpired(context.Context, domain.QueueName) (int, error) { return 0, nil }
func (f *fakeQueue) ReleaseByWorker(context.Context, string) (int, error)          { return 0, nil }
func (f *fakeQueue) ReleaseByUser(context.Context, string) (int, error)            { return 0, nil }
func (f *fakeQueue) Stats(context.Context, domain.QueueName) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}
func (f *fakeQueue) ListDead(context.Context, domain.QueueName, int) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueue) ReplayDead(context.Context, int64) error { return nil }

// --- AttachmentRepository ---

type fakeAttachments struct{ s *fakeStore }

func (f *fakeAttachments) SaveAll(_ context.Context, _ string, atts []domain.Attachment) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.atts = append(f.s.atts, atts...)
	return nil
}

func (f *fakeAttachments) ListByMessage(_ context.Context, _ string, messageID string) ([]domain.Attachment, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var result []domain.Attachment
	for _, a := range f.s.atts {
		if a.MessageID == messageID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (f *fakeAttachments) RepointByMessages(_ context.Context, _ string, messageIDs []string, projectID int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	for i := range f.s.atts {
		if wanted[f.s.atts[i].MessageID] {
			f.s.atts[i].ProjectID = projectID
		}
	}
	return nil
}

// --- TxRunner ---

type fakeTx struct{}

func (fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
func (fakeTx) AdvisoryLock(context.Context, string, string) error                 { return nil }
