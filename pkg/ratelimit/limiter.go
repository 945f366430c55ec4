// Package ratelimit gates every provider call. Each user gets two
// lock-free token buckets (read, write) and the process shares one
// daily unit budget priced in provider quota units.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// Kind separates the read and write budgets.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Unit costs per operation, in provider quota units.
const (
	UnitsList        = 1
	UnitsGet         = 5
	UnitsModify      = 5
	UnitsLabelCreate = 3
	UnitsHistory     = 1
)

// bucket is a lock-free token bucket. tokens and lastRefill are packed
// into atomics so Acquire never takes a lock on the hot path.
type bucket struct {
	tokens     atomic.Int64 // current tokens, scaled by tokenScale
	lastRefill atomic.Int64 // unix nanos of last refill
	ratePerSec int64
	capacity   int64
}

const tokenScale = 1000 // milli-tokens, so fractional refill accumulates

func newBucket(ratePerSec, burst int) *bucket {
	b := &bucket{
		ratePerSec: int64(ratePerSec),
		capacity:   int64(burst) * tokenScale,
	}
	b.tokens.Store(b.capacity)
	b.lastRefill.Store(time.Now().UnixNano())
	return b
}

// take attempts to consume one token. On refusal it returns the delay
// until the next token is expected.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.refill(now)
	for {
		cur := b.tokens.Load()
		if cur < tokenScale {
			deficit := tokenScale - cur
			wait := time.Duration(deficit * int64(time.Second) / (b.ratePerSec * tokenScale))
			if wait <= 0 {
				wait = time.Millisecond
			}
			return false, wait
		}
		if b.tokens.CompareAndSwap(cur, cur-tokenScale) {
			return true, 0
		}
	}
}

func (b *bucket) refill(now time.Time) {
	for {
		last := b.lastRefill.Load()
		elapsed := now.UnixNano() - last
		if elapsed <= 0 {
			return
		}
		added := elapsed * b.ratePerSec * tokenScale / int64(time.Second)
		if added == 0 {
			return
		}
		if !b.lastRefill.CompareAndSwap(last, now.UnixNano()) {
			continue
		}
		for {
			cur := b.tokens.Load()
			next := cur + added
			if next > b.capacity {
				next = b.capacity
			}
			if b.tokens.CompareAndSwap(cur, next) {
				return
			}
		}
	}
}

// Config holds bucket rates and the daily ceiling.
type Config struct {
	ReadPerSec  int
	WritePerSec int
	ReadBurst   int
	WriteBurst  int
	DailyUnits  int64
}

// Limiter owns the per-user buckets and the shared daily budget.
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	buckets map[string]*userBuckets

	dailyUsed atomic.Int64
	dailyDay  atomic.Int64 // unix day the counter belongs to

	window *SlidingWindow // optional, nil without Redis
}

type userBuckets struct {
	read  *bucket
	write *bucket
}

func New(cfg Config) *Limiter {
	if cfg.ReadPerSec <= 0 {
		cfg.ReadPerSec = 5
	}
	if cfg.WritePerSec <= 0 {
		cfg.WritePerSec = 5
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = cfg.ReadPerSec
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = cfg.WritePerSec
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*userBuckets),
	}
	l.dailyDay.Store(unixDay(time.Now()))
	return l
}

// WithSlidingWindow attaches a Redis-backed window for cross-process
// fairness. Local buckets remain authoritative; the window only adds
// a second refusal source.
func (l *Limiter) WithSlidingWindow(w *SlidingWindow) *Limiter {
	l.window = w
	return l
}

func (l *Limiter) forUser(userID string) *userBuckets {
	l.mu.RLock()
	ub, ok := l.buckets[userID]
	l.mu.RUnlock()
	if ok {
		return ub
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ub, ok = l.buckets[userID]; ok {
		return ub
	}
	ub = &userBuckets{
		read:  newBucket(l.cfg.ReadPerSec, l.cfg.ReadBurst),
		write: newBucket(l.cfg.WritePerSec, l.cfg.WriteBurst),
	}
	l.buckets[userID] = ub
	return ub
}

// Acquire takes one token of the given kind for the user plus the
// given quota units from the daily budget. It returns nil on success,
// apperr.RateLimited with a retry-after on bucket refusal, and
// apperr.QuotaExceeded when the daily ceiling is spent. It never
// blocks past the context deadline.
func (l *Limiter) Acquire(ctx context.Context, userID string, kind Kind, units int64) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient("ratelimit acquire", err)
	}

	now := time.Now()
	if !l.takeDaily(now, units) {
		return apperr.QuotaExceeded(userID, untilNextDay(now))
	}

	ub := l.forUser(userID)
	b := ub.read
	if kind == KindWrite {
		b = ub.write
	}
	ok, wait := b.take(now)
	if !ok {
		l.refundDaily(units)
		return apperr.RateLimited(wait)
	}

	if l.window != nil {
		allowed, retryAfter, err := l.window.Allow(ctx, userID, kind)
		if err != nil {
			// Redis trouble never blocks traffic; local buckets decide.
			return nil
		}
		if !allowed {
			l.refundDaily(units)
			return apperr.RateLimited(retryAfter)
		}
	}
	return nil
}

// Wait acquires a token, sleeping through bucket refusals until the
// context expires. Daily-budget refusals return immediately.
func (l *Limiter) Wait(ctx context.Context, userID string, kind Kind, units int64) error {
	for {
		err := l.Acquire(ctx, userID, kind, units)
		if err == nil {
			return nil
		}
		if !apperr.HasCode(err, apperr.CodeRateLimited) {
			return err
		}
		wait := apperr.RetryAfter(err)
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.Transient("ratelimit wait", ctx.Err())
		case <-timer.C:
		}
	}
}

// DailyRemaining reports the units left in today's budget.
func (l *Limiter) DailyRemaining() int64 {
	l.rolloverDaily(time.Now())
	rem := l.cfg.DailyUnits - l.dailyUsed.Load()
	if rem < 0 {
		return 0
	}
	return rem
}

func (l *Limiter) takeDaily(now time.Time, units int64) bool {
	if l.cfg.DailyUnits <= 0 || units <= 0 {
		return true
	}
	l.rolloverDaily(now)
	used := l.dailyUsed.Add(units)
	if used > l.cfg.DailyUnits {
		l.dailyUsed.Add(-units)
		return false
	}
	return true
}

func (l *Limiter) refundDaily(units int64) {
	if l.cfg.DailyUnits > 0 && units > 0 {
		l.dailyUsed.Add(-units)
	}
}

func (l *Limiter) rolloverDaily(now time.Time) {
	day := unixDay(now)
	prev := l.dailyDay.Load()
	if day != prev && l.dailyDay.CompareAndSwap(prev, day) {
		l.dailyUsed.Store(0)
	}
}

func unixDay(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

func untilNextDay(t time.Time) time.Duration {
	next := t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(t.UTC())
}

// SlidingWindow enforces a per-user request count over a rolling
// window via a Redis sorted set, evaluated atomically in Lua.
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('EXPIRE', key, math.ceil(window / 1000) + 1)
    return 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest >= 2 then
    return -(now - tonumber(oldest[2]))
end
return 0
`)

func NewSlidingWindow(client *redis.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{client: client, limit: limit, window: window}
}

// Allow checks the window. On refusal it estimates the time until the
// oldest entry leaves the window.
func (w *SlidingWindow) Allow(ctx context.Context, userID string, kind Kind) (bool, time.Duration, error) {
	key := "ratelimit:" + kind.String() + ":" + userID
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, w.client, []string{key},
		now, w.window.Milliseconds(), w.limit).Int64()
	if err != nil {
		return false, 0, err
	}
	if res == 1 {
		return true, 0, nil
	}
	age := -res
	retryAfter := w.window - time.Duration(age)*time.Millisecond
	if retryAfter <= 0 {
		retryAfter = 10 * time.Millisecond
	}
	return false, retryAfter, nil
}
