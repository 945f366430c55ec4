// Package stream carries wake-up nudges over a Redis stream. The
// durable queue in Postgres stays the source of truth; a lost nudge
// only costs drain latency until the next poll tick.
package stream

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GPEire/Tradie-GSuite/core/port/out"
)

const (
	StreamNudges = "queue:nudges"

	// Nudges are disposable, keep the stream short.
	maxStreamLen = 10000

	readBlock = 5 * time.Second
)

// RedisStream implements both out.StreamPublisher and
// out.StreamConsumer on one consumer group.
type RedisStream struct {
	client *redis.Client
	group  string
	log    zerolog.Logger
}

var (
	_ out.StreamPublisher = (*RedisStream)(nil)
	_ out.StreamConsumer  = (*RedisStream)(nil)
)

func NewRedisStream(client *redis.Client, group string, log zerolog.Logger) *RedisStream {
	return &RedisStream{
		client: client,
		group:  group,
		log:    log.With().Str("component", "stream").Logger(),
	}
}

// EnsureGroup creates the consumer group, tolerating a concurrent
// creation by another instance.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, StreamNudges, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *RedisStream) PublishNudge(ctx context.Context, n out.Nudge) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamNudges,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// ReadNudges blocks up to the read window for new entries. A quiet
// window returns an empty slice, not an error.
func (s *RedisStream) ReadNudges(ctx context.Context, consumer string, count int64) ([]out.NudgeEntry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{StreamNudges, ">"},
		Count:    count,
		Block:    readBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []out.NudgeEntry
	for _, str := range streams {
		for _, msg := range str.Messages {
			data, ok := msg.Values["data"].(string)
			if !ok {
				// Malformed entries are acked away, they would
				// otherwise redeliver forever.
				_ = s.client.XAck(ctx, StreamNudges, s.group, msg.ID).Err()
				continue
			}
			var n out.Nudge
			if err := json.Unmarshal([]byte(data), &n); err != nil {
				s.log.Warn().Err(err).Str("id", msg.ID).Msg("dropping undecodable nudge")
				_ = s.client.XAck(ctx, StreamNudges, s.group, msg.ID).Err()
				continue
			}
			entries = append(entries, out.NudgeEntry{ID: msg.ID, Nudge: n})
		}
	}
	return entries, nil
}

func (s *RedisStream) AckNudges(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, StreamNudges, s.group, ids...).Err()
}

// Pending reports unacked nudge depth for monitoring.
func (s *RedisStream) Pending(ctx context.Context) (int64, error) {
	info, err := s.client.XPending(ctx, StreamNudges, s.group).Result()
	if err != nil {
		return 0, err
	}
	return info.Count, nil
}
