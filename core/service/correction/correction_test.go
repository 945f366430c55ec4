package correction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

const testUser = "u-test"

type fakeProjects struct {
	mu   sync.Mutex
	rows map[int64]*domain.Project
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{rows: make(map[int64]*domain.Project)}
}

func (f *fakeProjects) Create(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	cp.Version = 1
	f.rows[p.ID] = &cp
	p.Version = 1
	return nil
}

func (f *fakeProjects) GetByID(_ context.Context, _ string, id int64) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) ListByUser(context.Context, string, out.ProjectFilter) ([]*domain.Project, error) {
	return nil, nil
}

func (f *fakeProjects) ListActive(context.Context, string) ([]*domain.Project, error) {
	return nil, nil
}

func (f *fakeProjects) Save(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[p.ID]
	if !ok {
		return apperr.NotFound("project")
	}
	if cur.Version != p.Version {
		return apperr.PersistenceConflict("project")
	}
	cp := *p
	cp.Version++
	f.rows[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (f *fakeProjects) Count(context.Context, string, out.ProjectFilter) (int, error) {
	return 0, nil
}

type fakeMappings struct {
	mu   sync.Mutex
	rows map[string]*domain.Mapping // keyed by message id
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: make(map[string]*domain.Mapping)}
}

func (f *fakeMappings) Upsert(_ context.Context, m *domain.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.rows[m.MessageID] = &cp
	return nil
}

func (f *fakeMappings) GetActive(_ context.Context, _ string, messageID string) (*domain.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[messageID]
	if !ok || !m.Active {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMappings) ListByProject(_ context.Context, _ string, projectID int64, _ int) ([]*domain.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*domain.Mapping
	for _, m := range f.rows {
		if m.ProjectID == projectID {
			cp := *m
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (f *fakeMappings) ListByThread(context.Context, string, string) ([]*domain.Mapping, error) {
	return nil, nil
}

func (f *fakeMappings) ListSenderEmails(context.Context, string, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeMappings) Deactivate(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[messageID]; ok {
		m.Active = false
	}
	return nil
}

func (f *fakeMappings) Repoint(_ context.Context, _ string, fromProject, toProject int64, messageIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range messageIDs {
		m, ok := f.rows[id]
		if !ok || !m.Active || m.ProjectID != fromProject {
			continue
		}
		m.ProjectID = toProject
		n++
	}
	return n, nil
}

func (f *fakeMappings) SetReflectionPending(context.Context, string, string, bool) error {
	return nil
}

func (f *fakeMappings) ListReflectionPending(context.Context, string, int) ([]*domain.Mapping, error) {
	return nil, nil
}

func (f *fakeMappings) CountActive(_ context.Context, _ string, projectID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.Active && m.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (f *fakeMappings) LastActiveAt(_ context.Context, _ string, projectID int64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, m := range f.rows {
		if !m.Active || m.ProjectID != projectID || m.MessageDate == nil {
			continue
		}
		if last == nil || m.MessageDate.After(*last) {
			t := *m.MessageDate
			last = &t
		}
	}
	return last, nil
}

type fakeCorrections struct {
	mu   sync.Mutex
	rows []*domain.Correction
}

func (f *fakeCorrections) Append(_ context.Context, c *domain.Correction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeCorrections) ListUnprocessed(context.Context, string, int) ([]*domain.Correction, error) {
	return nil, nil
}

func (f *fakeCorrections) ListUsers(context.Context) ([]string, error) { return nil, nil }

func (f *fakeCorrections) MarkProcessed(context.Context, []string) error { return nil }

func (f *fakeCorrections) CountByProject(context.Context, string, int64) (int, error) {
	return 0, nil
}

type fakeAttachments struct{}

func (fakeAttachments) SaveAll(context.Context, string, []domain.Attachment) error { return nil }
func (fakeAttachments) ListByMessage(context.Context, string, string) ([]domain.Attachment, error) {
	return nil, nil
}
func (fakeAttachments) RepointByMessages(context.Context, string, []string, int64) error {
	return nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []*domain.QueueItem
}

func (f *fakeQueue) Enqueue(_ context.Context, item *domain.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DedupKey == item.DedupKey {
			return nil
		}
	}
	cp := *item
	f.items = append(f.items, &cp)
	return nil
}

func (f *fakeQueue) Reserve(context.Context, domain.QueueName, string, int, time.Duration) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueue) Complete(context.Context, int64) error { return nil }
func (f *fakeQueue) Fail(context.Context, int64, string, bool, time.Duration, int, time.Duration) error {
	return nil
}
func (f *fakeQueue) ExtendLease(context.Context, int64, time.Duration) error { return nil }
func (f *fakeQueue) ReleaseExpired(context.Context, domain.QueueName) (int, error) {
	return 0, nil
}
func (f *fakeQueue) ReleaseByWorker(context.Context, string) (int, error) { return 0, nil }
func (f *fakeQueue) ReleaseByUser(context.Context, string) (int, error)   { return 0, nil }
func (f *fakeQueue) Stats(context.Context, domain.QueueName) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}
func (f *fakeQueue) ListDead(context.Context, domain.QueueName, int) ([]*domain.QueueItem, error) {
	return nil, nil
}
func (f *fakeQueue) ReplayDead(context.Context, int64) error { return nil }

type fakeTx struct{}

func (fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (fakeTx) AdvisoryLock(context.Context, string, string) error { return nil }

type fixture struct {
	svc         *Service
	projects    *fakeProjects
	mappings    *fakeMappings
	corrections *fakeCorrections
	queue       *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	f := &fixture{
		projects:    newFakeProjects(),
		mappings:    newFakeMappings(),
		corrections: &fakeCorrections{},
		queue:       &fakeQueue{},
	}
	f.svc = New(Deps{
		Projects:    f.projects,
		Mappings:    f.mappings,
		Corrections: f.corrections,
		Attachments: fakeAttachments{},
		Queue:       f.queue,
		Tx:          fakeTx{},
		IDs:         gen,
	})
	return f
}

func (f *fixture) seedProject(t *testing.T, id int64, name string) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: id, UserID: testUser, Name: name, Status: domain.ProjectActive}
	if err := f.projects.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) seedMapping(t *testing.T, messageID string, projectID int64) {
	t.Helper()
	now := time.Now().UTC()
	err := f.mappings.Upsert(context.Background(), &domain.Mapping{
		ID:          int64(len(f.mappings.rows) + 1),
		UserID:      testUser,
		MessageID:   messageID,
		ThreadID:    "t-" + messageID,
		ProjectID:   projectID,
		Confidence:  0.9,
		Method:      domain.MethodAuto,
		Primary:     true,
		Active:      true,
		MessageDate: &now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) emailCount(t *testing.T, projectID int64) int {
	t.Helper()
	p, err := f.projects.GetByID(context.Background(), testUser, projectID)
	if err != nil || p == nil {
		t.Fatalf("project %d missing", projectID)
	}
	return p.EmailCount
}

func TestAssignOverridesAutoMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")
	f.seedProject(t, 200, "Smith Extension")
	f.seedMapping(t, "m1", 100)

	c, err := f.svc.Assign(ctx, testUser, "m1", 200, "wrong project")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if c.Type != domain.CorrectionAssign {
		t.Fatalf("correction type = %s", c.Type)
	}
	if len(c.Original.Mappings) != 1 || c.Original.Mappings[0].ProjectID != 100 {
		t.Fatal("original snapshot missing old mapping")
	}

	m, err := f.mappings.GetActive(ctx, testUser, "m1")
	if err != nil || m == nil {
		t.Fatal("no active mapping after assign")
	}
	if m.ProjectID != 200 || m.Method != domain.MethodManual || m.Confidence != 1.0 || m.NeedsReview {
		t.Fatalf("manual mapping wrong: %+v", m)
	}
	if got := f.emailCount(t, 100); got != 0 {
		t.Fatalf("source count = %d, want 0", got)
	}
	if got := f.emailCount(t, 200); got != 1 {
		t.Fatalf("target count = %d, want 1", got)
	}
	if len(f.corrections.rows) != 1 {
		t.Fatal("correction not appended")
	}
}

func TestAssignToMissingProject(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Assign(context.Background(), testUser, "m1", 999, ""); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnassignDeactivatesAndRecounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")
	f.seedMapping(t, "m1", 100)
	f.seedMapping(t, "m2", 100)

	c, err := f.svc.Unassign(ctx, testUser, "m1", "not project mail")
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if c.Type != domain.CorrectionUnassign {
		t.Fatalf("correction type = %s", c.Type)
	}
	if m, _ := f.mappings.GetActive(ctx, testUser, "m1"); m != nil {
		t.Fatal("mapping still active after unassign")
	}
	if got := f.emailCount(t, 100); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestUnassignWithoutMapping(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Unassign(context.Background(), testUser, "ghost", ""); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMergeFoldsSourceIntoTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.seedProject(t, 100, "12 Baker Street")
	src.JobNumbers = []string{"2024-087"}
	if err := f.projects.Save(ctx, src); err != nil {
		t.Fatal(err)
	}
	f.seedProject(t, 200, "Baker St Reno")
	f.seedMapping(t, "m1", 100)
	f.seedMapping(t, "m2", 100)
	f.seedMapping(t, "m3", 200)

	c, err := f.svc.Merge(ctx, testUser, 100, 200, "same job")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	target, _ := f.projects.GetByID(ctx, testUser, 200)
	if target.EmailCount != 3 {
		t.Fatalf("target count = %d, want 3", target.EmailCount)
	}
	if !target.MatchesName("12 Baker Street") {
		t.Fatal("source name not kept as alias")
	}
	if !target.HasJobNumber("2024-087") {
		t.Fatal("source job number not merged")
	}
	source, _ := f.projects.GetByID(ctx, testUser, 100)
	if source.Status != domain.ProjectArchived {
		t.Fatalf("source status = %s, want archived", source.Status)
	}
	if len(c.Original.Projects) != 2 || len(c.Corrected.Projects) != 2 {
		t.Fatal("merge snapshots incomplete")
	}
}

func TestMergeIntoSelfRefused(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, 100, "X")
	if _, err := f.svc.Merge(context.Background(), testUser, 100, 100, ""); !apperr.HasCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSplitCarvesOutNewProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")
	for i := 0; i < 5; i++ {
		f.seedMapping(t, fmt.Sprintf("m%d", i), 100)
	}

	c, err := f.svc.Split(ctx, testUser, 100, []string{"m3", "m4"}, "Baker St Stage 2", "separate stage")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(c.Corrected.Projects) != 2 {
		t.Fatal("split snapshot missing created project")
	}
	created := c.Corrected.Projects[1]
	if created.Name != "Baker St Stage 2" {
		t.Fatalf("created name = %s", created.Name)
	}
	if got := f.emailCount(t, 100); got != 3 {
		t.Fatalf("source count = %d, want 3", got)
	}
	if got := f.emailCount(t, created.ID); got != 2 {
		t.Fatalf("new count = %d, want 2", got)
	}
}

func TestMergeThenSplitRestoresCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Project A")
	f.seedProject(t, 200, "Project B")
	f.seedMapping(t, "a1", 100)
	f.seedMapping(t, "a2", 100)
	f.seedMapping(t, "b1", 200)

	if _, err := f.svc.Merge(ctx, testUser, 100, 200, ""); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := f.emailCount(t, 200); got != 3 {
		t.Fatalf("merged count = %d, want 3", got)
	}

	c, err := f.svc.Split(ctx, testUser, 200, []string{"a1", "a2"}, "Project A", "undo merge")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	restoredID := c.Corrected.Projects[1].ID

	if got := f.emailCount(t, 200); got != 1 {
		t.Fatalf("count after split = %d, want 1", got)
	}
	if got := f.emailCount(t, restoredID); got != 2 {
		t.Fatalf("restored count = %d, want 2", got)
	}
	// Corrections are append-only: both operations are on the log.
	if len(f.corrections.rows) != 2 {
		t.Fatalf("correction log has %d entries, want 2", len(f.corrections.rows))
	}
}

func TestSplitUnknownMessagesRefused(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, 100, "X")
	if _, err := f.svc.Split(context.Background(), testUser, 100, []string{"ghost"}, "Y", ""); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenameKeepsOldNameAsAlias(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St")
	f.seedMapping(t, "m1", 100)

	c, err := f.svc.Rename(ctx, testUser, 100, "12 Baker Street Renovation", "clearer name")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	p, _ := f.projects.GetByID(ctx, testUser, 100)
	if p.Name != "12 Baker Street Renovation" {
		t.Fatalf("name = %s", p.Name)
	}
	if !p.MatchesName("Baker St") {
		t.Fatal("old name lost as alias")
	}
	if c.Original.Projects[0].Name != "Baker St" {
		t.Fatal("original snapshot missing old name")
	}

	// Relabel task enqueued for the active message.
	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.items) == 0 {
		t.Fatal("no relabel task enqueued")
	}
}

func TestRenameSameNameRefused(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St")
	if _, err := f.svc.Rename(context.Background(), testUser, 100, "Baker St", ""); !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateAddsAliasesAndStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")

	c, err := f.svc.Update(ctx, testUser, 100, []string{"BSR", "Baker Street"}, domain.ProjectOnHold, "client paused")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.Type != domain.CorrectionUpdate {
		t.Fatalf("correction type = %s", c.Type)
	}
	if c.Original.Projects[0].Status != domain.ProjectActive {
		t.Fatal("original snapshot missing previous status")
	}

	p, _ := f.projects.GetByID(ctx, testUser, 100)
	if p.Status != domain.ProjectOnHold {
		t.Fatalf("status = %s, want on_hold", p.Status)
	}
	if !p.MatchesName("BSR") || !p.MatchesName("Baker Street") {
		t.Fatal("aliases not applied")
	}
	if len(f.corrections.rows) != 1 {
		t.Fatal("correction not appended")
	}
}

func TestUpdateWithoutChangesRefused(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")
	if _, err := f.svc.Update(context.Background(), testUser, 100, nil, "", ""); !apperr.HasCode(err, apperr.CodeBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestUpdateInvalidStatusRefused(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, 100, "Baker St Reno")
	if _, err := f.svc.Update(context.Background(), testUser, 100, nil, "paused", ""); !apperr.HasCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
