package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/learning"
	"github.com/GPEire/Tradie-GSuite/core/service/reflection"
	"github.com/GPEire/Tradie-GSuite/core/service/watch"
	"github.com/GPEire/Tradie-GSuite/pkg/cache"
)

// SchedulerConfig holds the background job intervals.
type SchedulerConfig struct {
	PollInterval      time.Duration // polling fallback sweep
	RenewInterval     time.Duration // push subscription renewal sweep
	LearnInterval     time.Duration // correction learning pass
	ReconcileInterval time.Duration // pending label reflection retry
	ReleaseInterval   time.Duration // expired lease recovery
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:      5 * time.Minute,
		RenewInterval:     15 * time.Minute,
		LearnInterval:     time.Hour,
		ReconcileInterval: 30 * time.Minute,
		ReleaseInterval:   time.Minute,
	}
}

// Scheduler runs the periodic jobs. Each tick takes a distributed
// lock, so with several instances running a job still fires once per
// interval.
type Scheduler struct {
	cfg       SchedulerConfig
	name      string
	watch     *watch.Manager
	learner   *learning.Learner
	reflector *reflection.Reflector
	projects  out.ProjectRepository
	users     out.UserRepository
	queue     out.QueueRepository
	locks     *cache.RedisCache
	log       zerolog.Logger

	wg sync.WaitGroup
}

type SchedulerDeps struct {
	Watch     *watch.Manager
	Learner   *learning.Learner
	Reflector *reflection.Reflector
	Projects  out.ProjectRepository
	Users     out.UserRepository
	Queue     out.QueueRepository
	Locks     *cache.RedisCache
}

func NewScheduler(name string, deps SchedulerDeps, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = def.RenewInterval
	}
	if cfg.LearnInterval <= 0 {
		cfg.LearnInterval = def.LearnInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.ReleaseInterval <= 0 {
		cfg.ReleaseInterval = def.ReleaseInterval
	}
	return &Scheduler{
		cfg:       cfg,
		name:      name,
		watch:     deps.Watch,
		learner:   deps.Learner,
		reflector: deps.Reflector,
		projects:  deps.Projects,
		users:     deps.Users,
		queue:     deps.Queue,
		locks:     deps.Locks,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.run(ctx, "poll", s.cfg.PollInterval, func(ctx context.Context) error {
		n, err := s.watch.PollAll(ctx)
		if n > 0 {
			s.log.Info().Int("users", n).Msg("poll sweep completed")
		}
		return err
	})
	s.run(ctx, "renew", s.cfg.RenewInterval, func(ctx context.Context) error {
		n, err := s.watch.RenewExpiring(ctx)
		if n > 0 {
			s.log.Info().Int("count", n).Msg("renewed push subscriptions")
		}
		return err
	})
	s.run(ctx, "learn", s.cfg.LearnInterval, s.learner.Run)
	s.run(ctx, "reconcile", s.cfg.ReconcileInterval, s.reconcile)
	s.run(ctx, "release", s.cfg.ReleaseInterval, s.releaseExpired)
	s.log.Info().Msg("scheduler started")
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// run ticks a job on its interval, offset by jitter so instances
// started together spread their lock contention.
func (s *Scheduler) run(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		jitter := time.Duration(rand.Int63n(int64(interval) / 10))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.tick(ctx, job, interval, fn)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	if s.locks != nil {
		// The lock holds for most of the interval, the next instance
		// to tick picks the job up once it lapses.
		ok, err := s.locks.AcquireLock(ctx, "sched:"+job, s.name, interval*9/10)
		if err != nil {
			s.log.Warn().Err(err).Str("job", job).Msg("job lock")
			return
		}
		if !ok {
			return
		}
	}
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("job", job).Msg("job failed")
	}
}

// reconcile retries pending label reflections for every active user.
func (s *Scheduler) reconcile(ctx context.Context) error {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.AuthExpired {
			continue
		}
		userID := u.ID
		n, err := s.reflector.Reconcile(ctx, userID, func(projectID int64) (string, error) {
			p, err := s.projects.GetByID(ctx, userID, projectID)
			if err != nil {
				return "", err
			}
			return p.Name, nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("reconcile failed")
			continue
		}
		if n > 0 {
			s.log.Info().Int("count", n).Str("user_id", userID).Msg("reconciled pending labels")
		}
	}
	return nil
}

func (s *Scheduler) releaseExpired(ctx context.Context) error {
	for _, queue := range []domain.QueueName{domain.QueueNotifications, domain.QueueAIProcessing} {
		n, err := s.queue.ReleaseExpired(ctx, queue)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Warn().Int("count", n).Str("queue", string(queue)).Msg("released expired leases")
		}
	}
	return nil
}
