package learning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/service/resolver"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

const testUser = "u-test"

type fakeCorrections struct {
	unprocessed []*domain.Correction
	processed   []string
}

func (f *fakeCorrections) Append(context.Context, *domain.Correction) error { return nil }

func (f *fakeCorrections) ListUnprocessed(_ context.Context, _ string, limit int) ([]*domain.Correction, error) {
	if len(f.unprocessed) > limit {
		return f.unprocessed[:limit], nil
	}
	return f.unprocessed, nil
}

func (f *fakeCorrections) ListUsers(context.Context) ([]string, error) {
	return []string{testUser}, nil
}

func (f *fakeCorrections) MarkProcessed(_ context.Context, ids []string) error {
	f.processed = append(f.processed, ids...)
	return nil
}

func (f *fakeCorrections) CountByProject(context.Context, string, int64) (int, error) {
	return 0, nil
}

type fakePatterns struct {
	rows map[int64]*domain.LearningPattern
}

func newFakePatterns() *fakePatterns {
	return &fakePatterns{rows: make(map[int64]*domain.LearningPattern)}
}

func (f *fakePatterns) Upsert(_ context.Context, p *domain.LearningPattern) error {
	cp := *p
	f.rows[p.ID] = &cp
	return nil
}

func (f *fakePatterns) ListActive(context.Context, string) ([]*domain.LearningPattern, error) {
	var list []*domain.LearningPattern
	for _, p := range f.rows {
		if p.Active {
			cp := *p
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (f *fakePatterns) Deactivate(_ context.Context, _ string, id int64) error {
	if p, ok := f.rows[id]; ok {
		p.Active = false
	}
	return nil
}

func (f *fakePatterns) IncrementUsage(_ context.Context, id int64) error {
	if p, ok := f.rows[id]; ok {
		p.UsageCount++
	}
	return nil
}

func (f *fakePatterns) active(pt domain.PatternType, key string) *domain.LearningPattern {
	for _, p := range f.rows {
		if p.Active && p.Type == pt && p.Pattern == key {
			return p
		}
	}
	return nil
}

func newLearner(t *testing.T, corrections *fakeCorrections, patterns *fakePatterns, minSupport int) *Learner {
	t.Helper()
	gen, err := snowflake.NewGenerator(2)
	if err != nil {
		t.Fatal(err)
	}
	return New(Deps{Corrections: corrections, Patterns: patterns, IDs: gen}, Config{MinSupport: minSupport})
}

func assignCorrection(id int, sender string, projectID int64) *domain.Correction {
	return &domain.Correction{
		ID:        fmt.Sprintf("c%d", id),
		UserID:    testUser,
		Type:      domain.CorrectionAssign,
		MessageID: fmt.Sprintf("m%d", id),
		ProjectID: projectID,
		Corrected: domain.CorrectionSnapshot{
			Mappings: []domain.Mapping{{
				MessageID:   fmt.Sprintf("m%d", id),
				ProjectID:   projectID,
				SenderEmail: sender,
			}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestSenderPatternAtMinSupport(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "alice@builder.test", 100),
		assignCorrection(2, "Alice@Builder.Test", 100),
		assignCorrection(3, "alice@builder.test", 100),
	}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatalf("RunUser: %v", err)
	}

	p := patterns.active(domain.PatternSender, "alice@builder.test")
	if p == nil {
		t.Fatal("expected sender pattern")
	}
	if p.ProjectID != 100 {
		t.Fatalf("pattern project = %d", p.ProjectID)
	}
	if p.Confidence < 0.5 || p.Confidence > 0.9 {
		t.Fatalf("confidence out of range: %f", p.Confidence)
	}
	if len(corrections.processed) != 3 {
		t.Fatalf("processed %d corrections, want 3", len(corrections.processed))
	}
}

func TestNoPatternBelowMinSupport(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "alice@builder.test", 100),
		assignCorrection(2, "alice@builder.test", 100),
	}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if p := patterns.active(domain.PatternSender, "alice@builder.test"); p != nil {
		t.Fatal("pattern written below min support")
	}
	// Corrections are still consumed even when nothing is derived.
	if len(corrections.processed) != 2 {
		t.Fatalf("processed %d, want 2", len(corrections.processed))
	}
}

func TestAmbiguousSenderProducesNoPattern(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "supplier@hardware.test", 100),
		assignCorrection(2, "supplier@hardware.test", 100),
		assignCorrection(3, "supplier@hardware.test", 100),
		assignCorrection(4, "supplier@hardware.test", 200),
	}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if p := patterns.active(domain.PatternSender, "supplier@hardware.test"); p != nil {
		t.Fatalf("ambiguous sender produced pattern to %d", p.ProjectID)
	}
}

func TestAmbiguityDeactivatesExistingPattern(t *testing.T) {
	ctx := context.Background()
	patterns := newFakePatterns()
	prior := &domain.LearningPattern{
		ID: 1, UserID: testUser, Type: domain.PatternSender,
		Pattern: "supplier@hardware.test", ProjectID: 100, Active: true,
	}
	patterns.rows[prior.ID] = prior

	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "supplier@hardware.test", 100),
		assignCorrection(2, "supplier@hardware.test", 200),
	}}

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if p := patterns.active(domain.PatternSender, "supplier@hardware.test"); p != nil {
		t.Fatal("contradicted pattern still active")
	}
}

func TestUnassignVetoesSenderPattern(t *testing.T) {
	ctx := context.Background()
	patterns := newFakePatterns()
	prior := &domain.LearningPattern{
		ID: 1, UserID: testUser, Type: domain.PatternSender,
		Pattern: "alice@builder.test", ProjectID: 100, Active: true,
	}
	patterns.rows[prior.ID] = prior

	corrections := &fakeCorrections{unprocessed: []*domain.Correction{{
		ID:     "c1",
		UserID: testUser,
		Type:   domain.CorrectionUnassign,
		Original: domain.CorrectionSnapshot{
			Mappings: []domain.Mapping{{MessageID: "m1", ProjectID: 100, SenderEmail: "alice@builder.test"}},
		},
	}}}

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if p := patterns.active(domain.PatternSender, "alice@builder.test"); p != nil {
		t.Fatal("vetoed pattern still active")
	}
}

func TestMergeDerivesAliasAndAddressPatterns(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{{
		ID:        "c1",
		UserID:    testUser,
		Type:      domain.CorrectionMerge,
		ProjectID: 200,
		Original: domain.CorrectionSnapshot{
			Projects: []domain.Project{
				{
					ID:   100,
					Name: "12 Baker Street",
					Address: domain.Address{
						Street:   "12 Baker Street",
						Postcode: "2095",
					},
				},
				{ID: 200, Name: "Baker St Reno"},
			},
		},
	}}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 1).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}

	if p := patterns.active(domain.PatternAlias, "12 baker street"); p == nil || p.ProjectID != 200 {
		t.Fatalf("alias pattern missing or wrong: %+v", p)
	}
	if p := patterns.active(domain.PatternAddress, "12 baker street|2095"); p == nil || p.ProjectID != 200 {
		t.Fatalf("address pattern missing or wrong: %+v", p)
	}
}

func TestAddressPatternKeyMatchesResolverNormalizer(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{{
		ID:        "c1",
		UserID:    testUser,
		Type:      domain.CorrectionMerge,
		ProjectID: 200,
		Original: domain.CorrectionSnapshot{
			Projects: []domain.Project{
				{
					ID:   100,
					Name: "Baker St Job",
					Address: domain.Address{
						Street:   "12 Baker St",
						Postcode: "3000",
					},
				},
				{ID: 200, Name: "12 Baker Street"},
			},
		},
	}}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 1).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}

	// The resolver folds "St" to "street" before looking a pattern up,
	// so the stored key must carry the expanded form.
	want := resolver.DefaultAddressNormalizer("12 Baker St", "", "3000")
	if want != "12 baker street|3000" {
		t.Fatalf("normalizer output changed: %q", want)
	}
	if p := patterns.active(domain.PatternAddress, want); p == nil || p.ProjectID != 200 {
		t.Fatalf("address pattern not stored under resolver key %q: %+v", want, p)
	}
	if p := patterns.active(domain.PatternAddress, "12 baker st|3000"); p != nil {
		t.Fatal("pattern stored under unfolded key")
	}
}

func TestRenameDerivesAliasPattern(t *testing.T) {
	ctx := context.Background()
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{{
		ID:        "c1",
		UserID:    testUser,
		Type:      domain.CorrectionRename,
		ProjectID: 100,
		Original: domain.CorrectionSnapshot{
			Projects: []domain.Project{{ID: 100, Name: "Baker St"}},
		},
	}}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 1).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if p := patterns.active(domain.PatternAlias, "baker st"); p == nil || p.ProjectID != 100 {
		t.Fatalf("alias pattern missing or wrong: %+v", p)
	}
}

func TestExistingPatternNotDuplicated(t *testing.T) {
	ctx := context.Background()
	patterns := newFakePatterns()
	prior := &domain.LearningPattern{
		ID: 1, UserID: testUser, Type: domain.PatternSender,
		Pattern: "alice@builder.test", ProjectID: 100, Active: true,
	}
	patterns.rows[prior.ID] = prior

	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "alice@builder.test", 100),
		assignCorrection(2, "alice@builder.test", 100),
		assignCorrection(3, "alice@builder.test", 100),
	}}

	if err := newLearner(t, corrections, patterns, 3).RunUser(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, p := range patterns.rows {
		if p.Active && p.Type == domain.PatternSender && p.Pattern == "alice@builder.test" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d active patterns for same key, want 1", n)
	}
}

func TestRunCoversAllUsers(t *testing.T) {
	corrections := &fakeCorrections{unprocessed: []*domain.Correction{
		assignCorrection(1, "alice@builder.test", 100),
		assignCorrection(2, "alice@builder.test", 100),
		assignCorrection(3, "alice@builder.test", 100),
	}}
	patterns := newFakePatterns()

	if err := newLearner(t, corrections, patterns, 3).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if patterns.active(domain.PatternSender, "alice@builder.test") == nil {
		t.Fatal("Run did not process the user's corrections")
	}
}
