package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// DefaultChannelPrefix prefixes the Redis pub/sub channel of each run.
const DefaultChannelPrefix = "agentrun:run:"

// Redis is a Broadcaster backed by Redis pub/sub, for deployments where
// run workers and stream readers live in different processes.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Broadcaster = (*Redis)(nil)

// NewRedis returns a Redis broadcaster using rdb.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// NewRedisClient connects to url, which may be a redis:// URL or host:port.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) channel(runID string) string {
	return r.prefix + runID
}

// Publish sends ev as JSON on the run's channel.
func (r *Redis) Publish(ctx context.Context, ev domain.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel(ev.RunID), data).Err(); err != nil {
		return fmt.Errorf("publish run %s seq %d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

// Subscribe subscribes to the run's channel and waits for Redis to confirm
// the subscription before returning.
func (r *Redis) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe run %s: %w", runID, err)
	}

	out := make(chan domain.RunEvent, SubscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				log.Errorf(ctx, err, "close subscription for run %s", runID)
			}
		}()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.RunEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Errorf(ctx, err, "invalid event on %s", msg.Channel)
					continue
				}
				select {
				case out <- ev:
				default:
					log.Warn(ctx, log.KV{K: "msg", V: "subscriber buffer full, closing"}, log.KV{K: "run_id", V: runID})
					return
				}
				if ev.IsTerminal() {
					return
				}
			}
		}
	}()

	return &Subscription{
		RunID: runID,
		C:     out,
		cancel: func() { close(done) },
	}, nil
}
