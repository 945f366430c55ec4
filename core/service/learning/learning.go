// Package learning derives matching patterns from accumulated user
// corrections so the resolver gets better over time.
package learning

import (
	"context"
	"strings"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/resolver"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

// Config tunes pattern derivation.
type Config struct {
	// MinSupport is how many consistent corrections a key needs
	// before a pattern is written. Default 3.
	MinSupport int
	// BatchSize caps corrections consumed per user per pass.
	BatchSize int
	// Normalize folds addresses into pattern keys. Must be the same
	// normalizer the resolver looks patterns up with.
	Normalize resolver.AddressNormalizer
}

// Deps are the outbound ports the learner drives.
type Deps struct {
	Corrections out.CorrectionRepository
	Patterns    out.PatternRepository
	IDs         *snowflake.Generator
}

// Learner consumes unprocessed corrections and writes learning
// patterns. A key pointing at more than one project is ambiguous and
// produces no pattern; an existing pattern contradicted by later
// corrections is deactivated.
type Learner struct {
	deps Deps
	cfg  Config
	log  *logger.Logger
}

func New(deps Deps, cfg Config) *Learner {
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Normalize == nil {
		cfg.Normalize = resolver.DefaultAddressNormalizer
	}
	return &Learner{deps: deps, cfg: cfg, log: logger.WithField("component", "learner")}
}

// Run processes every user with pending corrections.
func (l *Learner) Run(ctx context.Context) error {
	users, err := l.deps.Corrections.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RunUser(ctx, userID); err != nil {
			l.log.WithError(err).Error("learning pass failed user=%s", userID)
		}
	}
	return nil
}

// tally accumulates evidence per (pattern type, key). Supporting and
// contradicting corrections are tracked separately: a correction away
// from a project vetoes a rule toward it without blocking a rule
// toward the project the user actually chose.
type tally struct {
	support map[int64]int
	against map[int64]bool
}

func (t *tally) add(projectID int64) {
	if t.support == nil {
		t.support = make(map[int64]int)
	}
	t.support[projectID]++
}

func (t *tally) veto(projectID int64) {
	if t.against == nil {
		t.against = make(map[int64]bool)
	}
	t.against[projectID] = true
}

// winner returns the single supported, unvetoed project, or 0 when the
// evidence is split or insufficient.
func (t *tally) winner(minSupport int) int64 {
	if len(t.support) != 1 {
		return 0
	}
	for id, n := range t.support {
		if n >= minSupport && !t.against[id] {
			return id
		}
	}
	return 0
}

func (t *tally) ambiguous() bool { return len(t.support) > 1 }

// RunUser derives patterns from one user's unprocessed corrections.
func (l *Learner) RunUser(ctx context.Context, userID string) error {
	corrections, err := l.deps.Corrections.ListUnprocessed(ctx, userID, l.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(corrections) == 0 {
		return nil
	}

	senders := make(map[string]*tally)
	aliases := make(map[string]*tally)
	addresses := make(map[string]*tally)

	for _, c := range corrections {
		switch c.Type {
		case domain.CorrectionAssign:
			for _, m := range c.Corrected.Mappings {
				if m.SenderEmail != "" {
					key := strings.ToLower(m.SenderEmail)
					get(senders, key).add(m.ProjectID)
				}
			}
			// A reassignment away from a project vetoes sender
			// evidence toward the old project.
			for _, m := range c.Original.Mappings {
				if m.SenderEmail != "" && m.ProjectID != c.ProjectID {
					key := strings.ToLower(m.SenderEmail)
					get(senders, key).veto(m.ProjectID)
				}
			}

		case domain.CorrectionMerge:
			target := c.ProjectID
			for _, p := range c.Original.Projects {
				if p.ID == target {
					continue
				}
				if name := domain.NormalizeName(p.Name); name != "" {
					get(aliases, name).add(target)
				}
				if key := l.addressKey(p.Address); key != "" {
					get(addresses, key).add(target)
				}
			}

		case domain.CorrectionRename:
			for _, p := range c.Original.Projects {
				if name := domain.NormalizeName(p.Name); name != "" {
					get(aliases, name).add(c.ProjectID)
				}
			}

		case domain.CorrectionUnassign:
			for _, m := range c.Original.Mappings {
				if m.SenderEmail != "" {
					key := strings.ToLower(m.SenderEmail)
					get(senders, key).veto(m.ProjectID)
				}
			}
		}
	}

	existing, err := l.deps.Patterns.ListActive(ctx, userID)
	if err != nil {
		return err
	}

	written := 0
	written += l.emit(ctx, userID, domain.PatternSender, senders, existing)
	written += l.emit(ctx, userID, domain.PatternAlias, aliases, existing)
	written += l.emit(ctx, userID, domain.PatternAddress, addresses, existing)

	ids := make([]string, 0, len(corrections))
	for _, c := range corrections {
		ids = append(ids, c.ID)
	}
	if err := l.deps.Corrections.MarkProcessed(ctx, ids); err != nil {
		return err
	}

	l.log.Info("learning pass user=%s corrections=%d patterns=%d", userID, len(corrections), written)
	return nil
}

func get(m map[string]*tally, key string) *tally {
	t, ok := m[key]
	if !ok {
		t = &tally{}
		m[key] = t
	}
	return t
}

// emit writes patterns for unambiguous keys that reached min support
// and deactivates existing patterns the new evidence contradicts.
func (l *Learner) emit(ctx context.Context, userID string, pt domain.PatternType, tallies map[string]*tally, existing []*domain.LearningPattern) int {
	byKey := make(map[string]*domain.LearningPattern)
	for _, p := range existing {
		if p.Type == pt {
			byKey[p.Pattern] = p
		}
	}

	written := 0
	for key, t := range tallies {
		prior := byKey[key]

		if t.ambiguous() {
			if prior != nil {
				if err := l.deps.Patterns.Deactivate(ctx, userID, prior.ID); err != nil {
					l.log.WithError(err).Error("pattern deactivate failed id=%d", prior.ID)
				}
			}
			continue
		}
		if prior != nil && t.against[prior.ProjectID] {
			if err := l.deps.Patterns.Deactivate(ctx, userID, prior.ID); err != nil {
				l.log.WithError(err).Error("pattern deactivate failed id=%d", prior.ID)
			}
			prior = nil
		}

		projectID := t.winner(l.cfg.MinSupport)
		if projectID == 0 {
			continue
		}
		if prior != nil {
			if prior.ProjectID == projectID {
				continue
			}
			// Evidence moved to another project: retire the old rule.
			if err := l.deps.Patterns.Deactivate(ctx, userID, prior.ID); err != nil {
				l.log.WithError(err).Error("pattern deactivate failed id=%d", prior.ID)
				continue
			}
		}

		support := t.support[projectID]
		p := &domain.LearningPattern{
			ID:         l.deps.IDs.MustGenerate(),
			UserID:     userID,
			Type:       pt,
			Pattern:    key,
			ProjectID:  projectID,
			Confidence: patternConfidence(support),
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := l.deps.Patterns.Upsert(ctx, p); err != nil {
			l.log.WithError(err).Error("pattern upsert failed key=%s", key)
			continue
		}
		written++
	}
	return written
}

// patternConfidence grows with support and saturates at 0.9.
func patternConfidence(support int) float64 {
	c := 0.5 + 0.1*float64(support)
	if c > 0.9 {
		c = 0.9
	}
	return c
}

// addressKey folds an address through the same normalizer the resolver
// scores with, so a derived pattern is stored under the exact key the
// resolver will look up.
func (l *Learner) addressKey(a domain.Address) string {
	street := a.Street
	if strings.TrimSpace(street) == "" {
		street = a.Full
	}
	return l.cfg.Normalize(street, a.Locality, a.Postcode)
}
