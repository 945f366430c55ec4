package bootstrap

import (
	"github.com/GPEire/Tradie-GSuite/adapter/in/worker"
	"github.com/GPEire/Tradie-GSuite/config"
)

// Worker bundles the queue pool and the background scheduler.
type Worker struct {
	Pool      *worker.Pool
	Scheduler *worker.Scheduler
}

// NewWorker wires the drain pool and scheduler on top of the shared
// dependencies.
func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	notifications := worker.NewNotificationProcessor(deps.Provider, deps.Queue, deps.Watches, deps.Users, cfg.QueueWatermark)
	ai := worker.NewAIProcessor(worker.AIProcessorDeps{
		Provider:    deps.Provider,
		Extractor:   deps.Extractor,
		Resolver:    deps.Resolver,
		Reflector:   deps.Reflector,
		Scanner:     deps.Scanner,
		Projects:    deps.Projects,
		Attachments: deps.Attachments,
		Queue:       deps.Queue,
		Users:       deps.Users,
	})
	handler := worker.NewHandler(notifications, ai)

	pool := worker.NewPool(cfg.WorkerID, handler, deps.Queue, deps.Stream, worker.PoolConfig{
		ReserveBatch: cfg.QueueBatch,
		Lease:        cfg.QueueLease,
		MaxAttempts:  cfg.QueueMaxAttempts,
	}, deps.Log)

	var scheduler *worker.Scheduler
	if cfg.SchedulerEnabled {
		scheduler = worker.NewScheduler(cfg.WorkerID, worker.SchedulerDeps{
			Watch:     deps.Watch,
			Learner:   deps.Learner,
			Reflector: deps.Reflector,
			Projects:  deps.Projects,
			Users:     deps.Users,
			Queue:     deps.Queue,
			Locks:     deps.Cache,
		}, worker.SchedulerConfig{
			PollInterval: cfg.PollInterval,
		}, deps.Log)
	}

	return &Worker{Pool: pool, Scheduler: scheduler}
}
