// Package reflection propagates mappings back to the provider as
// mutable labels.
package reflection

import (
	"context"
	"strings"
	"sync"

	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// LabelPrefix is prepended to every project label.
const LabelPrefix = "Project: "

// systemLabels must never be created, applied as project labels or
// deleted.
var systemLabels = map[string]bool{
	"INBOX": true, "SENT": true, "DRAFT": true, "TRASH": true,
	"SPAM": true, "STARRED": true, "IMPORTANT": true, "UNREAD": true,
	"CATEGORY_PERSONAL": true, "CATEGORY_SOCIAL": true,
	"CATEGORY_PROMOTIONS": true, "CATEGORY_UPDATES": true, "CATEGORY_FORUMS": true,
}

// Config bounds batched writes.
type Config struct {
	BatchMax int // default 100
}

// Reflector idempotently applies and removes project labels. Provider
// write budgeting happens inside the provider adapter; the reflector
// only batches and classifies failures.
type Reflector struct {
	provider out.MailProvider
	mappings out.MappingRepository
	cfg      Config
	log      *logger.Logger

	// find-or-create cache per user, folded label name -> id
	mu     sync.Mutex
	labels map[string]map[string]string
}

func New(provider out.MailProvider, mappings out.MappingRepository, cfg Config) *Reflector {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 100
	}
	return &Reflector{
		provider: provider,
		mappings: mappings,
		cfg:      cfg,
		log:      logger.WithField("component", "reflector"),
		labels:   make(map[string]map[string]string),
	}
}

// EnsureLabel finds or creates the label, matching case-insensitively
// so repeated runs never create duplicates.
func (r *Reflector) EnsureLabel(ctx context.Context, userID, name string) (string, error) {
	if isSystemLabel(name) {
		return "", apperr.InvalidInput("label", "system labels cannot be managed")
	}
	folded := strings.ToLower(name)

	r.mu.Lock()
	if cached, ok := r.labels[userID][folded]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	labels, err := r.provider.ListLabels(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, l := range labels {
		if strings.ToLower(l.Name) == folded {
			r.remember(userID, folded, l.ID)
			return l.ID, nil
		}
	}

	created, err := r.provider.CreateLabel(ctx, userID, name)
	if err != nil {
		return "", err
	}
	r.remember(userID, folded, created.ID)
	return created.ID, nil
}

func (r *Reflector) remember(userID, folded, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.labels[userID] == nil {
		r.labels[userID] = make(map[string]string)
	}
	r.labels[userID][folded] = id
}

// Apply puts the label on one message. A failure flags the mapping
// reflection_pending for the reconciliation pass; mapping state is
// already durable, so label state is eventually consistent.
func (r *Reflector) Apply(ctx context.Context, userID, messageID, labelName string) error {
	labelID, err := r.EnsureLabel(ctx, userID, labelName)
	if err != nil {
		return r.flagPending(ctx, userID, messageID, err)
	}
	if err := r.provider.ModifyMessage(ctx, userID, messageID, []string{labelID}, nil); err != nil {
		return r.flagPending(ctx, userID, messageID, err)
	}
	return r.mappings.SetReflectionPending(ctx, userID, messageID, false)
}

// ApplyThread labels every message of a thread in batches.
func (r *Reflector) ApplyThread(ctx context.Context, userID, threadID, labelName string) error {
	labelID, err := r.EnsureLabel(ctx, userID, labelName)
	if err != nil {
		return err
	}
	mappings, err := r.mappings.ListByThread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if m.Active {
			ids = append(ids, m.MessageID)
		}
	}
	return r.batchModify(ctx, userID, ids, []string{labelID}, nil)
}

// Remove takes the label off one message.
func (r *Reflector) Remove(ctx context.Context, userID, messageID, labelName string) error {
	if isSystemLabel(labelName) {
		return apperr.InvalidInput("label", "system labels cannot be removed")
	}
	labelID, err := r.EnsureLabel(ctx, userID, labelName)
	if err != nil {
		return err
	}
	return r.provider.ModifyMessage(ctx, userID, messageID, nil, []string{labelID})
}

// RemoveThread strips the label from a whole thread.
func (r *Reflector) RemoveThread(ctx context.Context, userID, threadID, labelName string) error {
	if isSystemLabel(labelName) {
		return apperr.InvalidInput("label", "system labels cannot be removed")
	}
	labelID, err := r.EnsureLabel(ctx, userID, labelName)
	if err != nil {
		return err
	}
	mappings, err := r.mappings.ListByThread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.MessageID)
	}
	return r.batchModify(ctx, userID, ids, nil, []string{labelID})
}

func (r *Reflector) batchModify(ctx context.Context, userID string, ids, add, remove []string) error {
	for start := 0; start < len(ids); start += r.cfg.BatchMax {
		end := start + r.cfg.BatchMax
		if end > len(ids) {
			end = len(ids)
		}
		if err := r.provider.BatchModify(ctx, userID, ids[start:end], add, remove); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile retries mappings whose label write previously failed.
func (r *Reflector) Reconcile(ctx context.Context, userID string, projectName func(projectID int64) (string, error)) (int, error) {
	pending, err := r.mappings.ListReflectionPending(ctx, userID, r.cfg.BatchMax)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, m := range pending {
		name, err := projectName(m.ProjectID)
		if err != nil {
			continue
		}
		if err := r.Apply(ctx, userID, m.MessageID, LabelPrefix+name); err != nil {
			r.log.WithError(err).Warn("reconcile apply failed user=%s message=%s", userID, m.MessageID)
			continue
		}
		done++
	}
	return done, nil
}

func (r *Reflector) flagPending(ctx context.Context, userID, messageID string, cause error) error {
	if err := r.mappings.SetReflectionPending(ctx, userID, messageID, true); err != nil {
		r.log.WithError(err).Error("failed to flag reflection_pending user=%s message=%s", userID, messageID)
	}
	return cause
}

func isSystemLabel(name string) bool {
	return systemLabels[strings.ToUpper(strings.TrimSpace(name))]
}
