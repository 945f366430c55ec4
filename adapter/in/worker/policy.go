package worker

import (
	"context"
	"time"

	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// quotaCooldown parks a user's work after the provider reports daily
// quota exhaustion.
const quotaCooldown = time.Hour

// applyUserFailurePolicy handles user-scoped failures: expired
// credentials and quota exhaustion park the user's whole in-flight
// backlog instead of letting every item burn attempts individually.
// The original error is always returned.
func applyUserFailurePolicy(ctx context.Context, queue out.QueueRepository, users out.UserRepository, log *logger.Logger, userID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apperr.HasCode(err, apperr.CodeAuthExpired):
		if n, rerr := queue.ReleaseByUser(ctx, userID); rerr == nil && n > 0 {
			log.Warn("released %d in-flight items for auth-expired user %s", n, userID)
		}
	case apperr.HasCode(err, apperr.CodeQuotaExceeded):
		_ = users.SetQuotaCooldown(ctx, userID, time.Now().UTC().Add(quotaCooldown))
		if n, rerr := queue.ReleaseByUser(ctx, userID); rerr == nil && n > 0 {
			log.Warn("released %d in-flight items for quota-exhausted user %s", n, userID)
		}
	}
	return err
}
