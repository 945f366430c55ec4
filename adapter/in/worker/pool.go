package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/metrics"
)

// PoolConfig sizes the worker pool and its queue-drain behaviour.
type PoolConfig struct {
	Workers      int           // concurrent item processors
	WorkerChan   int           // per-worker channel buffer
	ReserveBatch int           // items claimed per reserve call
	Lease        time.Duration // processing lease, extended while running
	MaxAttempts  int           // attempts before dead-letter
	BackoffBase  time.Duration // retry backoff base
	IdleWait     time.Duration // poll interval when the queue is empty
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      8,
		WorkerChan:   16,
		ReserveBatch: 10,
		Lease:        2 * time.Minute,
		MaxAttempts:  5,
		BackoffBase:  30 * time.Second,
		IdleWait:     5 * time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.WorkerChan <= 0 {
		c.WorkerChan = d.WorkerChan
	}
	if c.ReserveBatch <= 0 {
		c.ReserveBatch = d.ReserveBatch
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.IdleWait <= 0 {
		c.IdleWait = d.IdleWait
	}
	return c
}

// Pool drains both durable queues into a shared worker group. The
// Postgres queue is the source of truth; nudges from the stream only
// wake the drain loops early.
type Pool struct {
	cfg      PoolConfig
	name     string
	handler  *Handler
	repo     out.QueueRepository
	consumer out.StreamConsumer
	log      zerolog.Logger

	group *pool.WorkerGroup[*domain.QueueItem]
	wakes map[domain.QueueName]chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool builds a pool identified by name; the name doubles as the
// queue lease owner, so ReleaseByWorker can recover a crashed
// instance's items.
func NewPool(name string, handler *Handler, repo out.QueueRepository, consumer out.StreamConsumer, cfg PoolConfig, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		name:     name,
		handler:  handler,
		repo:     repo,
		consumer: consumer,
		log:      log.With().Str("component", "worker_pool").Str("worker", name).Logger(),
		wakes: map[domain.QueueName]chan struct{}{
			domain.QueueNotifications: make(chan struct{}, 1),
			domain.QueueAIProcessing:  make(chan struct{}, 1),
		},
	}
}

type itemWorker struct {
	p *Pool
}

func (w *itemWorker) Do(ctx context.Context, item *domain.QueueItem) error {
	return w.p.runItem(ctx, item)
}

// Start launches the worker group, one drain loop per queue, and the
// nudge listener. Items left processing by a previous run under the
// same name are released first.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if n, err := p.repo.ReleaseByWorker(runCtx, p.name); err != nil {
		p.log.Warn().Err(err).Msg("startup lease recovery failed")
	} else if n > 0 {
		p.log.Info().Int("count", n).Msg("recovered items from previous run")
	}

	p.group = pool.New[*domain.QueueItem](p.cfg.Workers, &itemWorker{p: p}).
		WithWorkerChanSize(p.cfg.WorkerChan).
		WithContinueOnError()
	if err := p.group.Go(runCtx); err != nil {
		cancel()
		return err
	}

	for _, queue := range []domain.QueueName{domain.QueueNotifications, domain.QueueAIProcessing} {
		p.wg.Add(1)
		go p.drainLoop(runCtx, queue)
	}
	if p.consumer != nil {
		p.wg.Add(1)
		go p.nudgeLoop(runCtx)
	}

	p.started = true
	p.log.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
	return nil
}

// Stop drains in-flight work within the timeout, then releases any
// leases this instance still holds.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCancel()
	if err := p.group.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("worker group close")
	}

	if n, err := p.repo.ReleaseByWorker(closeCtx, p.name); err == nil && n > 0 {
		p.log.Info().Int("count", n).Msg("released leases on shutdown")
	}
	p.log.Info().Msg("worker pool stopped")
}

// Wake nudges one queue's drain loop out of its idle wait.
func (p *Pool) Wake(queue domain.QueueName) {
	if ch, ok := p.wakes[queue]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) drainLoop(ctx context.Context, queue domain.QueueName) {
	defer p.wg.Done()
	wake := p.wakes[queue]

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := p.repo.Reserve(ctx, queue, p.name, p.cfg.ReserveBatch, p.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Str("queue", string(queue)).Msg("reserve failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.IdleWait):
			}
			continue
		}

		for _, item := range items {
			p.group.Submit(item)
		}

		if len(items) < p.cfg.ReserveBatch {
			// Queue drained, sleep until the next tick or a nudge.
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(p.cfg.IdleWait):
			}
		}
	}
}

func (p *Pool) nudgeLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := p.consumer.ReadNudges(ctx, p.name, 32)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Err(err).Msg("nudge read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.IdleWait):
			}
			continue
		}

		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			p.Wake(domain.QueueName(e.Queue))
			ids = append(ids, e.ID)
		}
		if err := p.consumer.AckNudges(ctx, ids...); err != nil {
			p.log.Warn().Err(err).Msg("nudge ack failed")
		}
	}
}

// runItem processes one reserved item and settles it. The lease is
// extended at half-life while the handler runs, so slow extractions
// and retro slices survive past the initial lease.
func (p *Pool) runItem(ctx context.Context, item *domain.QueueItem) error {
	started := time.Now()
	defer func() { metrics.RecordLatency("queue."+string(item.Queue), time.Since(started)) }()

	stopHeartbeat := p.heartbeat(ctx, item.ID)
	err := p.handler.Process(ctx, item)
	stopHeartbeat()

	settleCtx := ctx
	if settleCtx.Err() != nil {
		// Shutting down: settle with a short independent context so
		// the outcome is not lost.
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err == nil {
		if cerr := p.repo.Complete(settleCtx, item.ID); cerr != nil {
			p.log.Error().Err(cerr).Int64("item_id", item.ID).Msg("complete item")
		}
		return nil
	}

	if apperr.HasCode(err, apperr.CodeAuthExpired) || apperr.HasCode(err, apperr.CodeQuotaExceeded) {
		// The failure policy already released this user's items,
		// including this one. Settling again would undo the park.
		p.log.Warn().Err(err).Int64("item_id", item.ID).Msg("item parked with user backlog")
		return err
	}

	retryable := apperr.IsRetryable(err)
	// A rate-limited failure carries the provider's own delay; the
	// item stays invisible for exactly that long instead of the
	// generic backoff curve.
	retryAfter := apperr.RetryAfter(err)
	p.log.Error().Err(err).
		Int64("item_id", item.ID).
		Str("queue", string(item.Queue)).
		Int("attempts", item.Attempts).
		Bool("retryable", retryable).
		Dur("retry_after", retryAfter).
		Msg("item failed")
	if ferr := p.repo.Fail(settleCtx, item.ID, err.Error(), retryable, retryAfter, p.cfg.MaxAttempts, p.cfg.BackoffBase); ferr != nil {
		p.log.Error().Err(ferr).Int64("item_id", item.ID).Msg("fail item")
	}
	return err
}

func (p *Pool) heartbeat(ctx context.Context, itemID int64) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.repo.ExtendLease(ctx, itemID, p.cfg.Lease); err != nil {
					p.log.Warn().Err(err).Int64("item_id", itemID).Msg("lease extension")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
