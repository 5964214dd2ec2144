// Package redisstream implements queue.Transport on Redis streams with
// consumer groups. Each queue name is a stream key; unacknowledged entries
// idle longer than the visibility timeout are reclaimed on the next receive.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const (
	fieldBody  = "body"
	fieldGroup = "group_id"
)

// Config holds Redis stream transport configuration
type Config struct {
	// Group is the consumer group name (default: "billing-engine")
	Group string

	// Consumer identifies this process within the group (default: hostname plus a random suffix)
	Consumer string

	// KeyPrefix is prepended to stream and dedup keys
	KeyPrefix string

	// DedupWindow is how long a deduplication id suppresses repeats (default: 5m)
	DedupWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return Config{
		Group:       "billing-engine",
		Consumer:    host + "-" + uuid.NewString()[:8],
		DedupWindow: 5 * time.Minute,
	}
}

// Transport implements queue.Transport on Redis streams
type Transport struct {
	client redis.UniversalClient
	config Config
	groups sync.Map // stream -> struct{}
}

var _ queue.Transport = (*Transport)(nil)

// New creates a stream transport
func New(client redis.UniversalClient, config Config) (*Transport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.Group == "" {
		config.Group = defaults.Group
	}
	if config.Consumer == "" {
		config.Consumer = defaults.Consumer
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = defaults.DedupWindow
	}
	return &Transport{client: client, config: config}, nil
}

func (t *Transport) stream(name string) string {
	return t.config.KeyPrefix + name
}

func (t *Transport) dedupKey(name, id string) string {
	return t.config.KeyPrefix + "dedup:" + name + ":" + id
}

// ensureGroup creates the consumer group and stream once per process.
func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	if _, ok := t.groups.Load(stream); ok {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, stream, t.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	t.groups.Store(stream, struct{}{})
	return nil
}

// Publish implements queue.Transport
func (t *Transport) Publish(ctx context.Context, name string, body []byte, opts queue.PublishOptions) (string, error) {
	var dedup string
	if opts.DeduplicationID != "" {
		dedup = t.dedupKey(name, opts.DeduplicationID)
		fresh, err := t.client.SetNX(ctx, dedup, "", t.config.DedupWindow).Result()
		if err != nil {
			return "", fmt.Errorf("dedup check: %w", err)
		}
		if !fresh {
			id, err := t.client.Get(ctx, dedup).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return "", fmt.Errorf("dedup lookup: %w", err)
			}
			return id, nil
		}
	}

	values := map[string]interface{}{fieldBody: string(body)}
	if opts.GroupID != "" {
		values[fieldGroup] = opts.GroupID
	}
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream(name),
		Values: values,
	}).Result()
	if err != nil {
		if dedup != "" {
			_ = t.client.Del(ctx, dedup).Err()
		}
		return "", fmt.Errorf("xadd: %w", err)
	}
	if dedup != "" {
		_ = t.client.Set(ctx, dedup, id, redis.KeepTTL).Err()
	}
	return id, nil
}

// Receive implements queue.Transport
func (t *Transport) Receive(ctx context.Context, name string, opts queue.ReceiveOptions) ([]queue.Message, error) {
	stream := t.stream(name)
	if err := t.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = 1
	}

	var out []queue.Message
	if opts.VisibilityTimeout > 0 {
		claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    t.config.Group,
			Consumer: t.config.Consumer,
			MinIdle:  opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    int64(limit),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("xautoclaim: %w", err)
		}
		out = appendMessages(out, claimed)
	}
	if len(out) >= limit {
		return out, nil
	}

	// go-redis sends BLOCK only for non-negative durations; zero would block forever.
	block := time.Duration(-1)
	if opts.WaitTime > 0 && len(out) == 0 {
		block = opts.WaitTime
	}
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.config.Group,
		Consumer: t.config.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(limit - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		out = appendMessages(out, s.Messages)
	}
	return out, nil
}

func appendMessages(out []queue.Message, msgs []redis.XMessage) []queue.Message {
	for _, m := range msgs {
		body, _ := m.Values[fieldBody].(string)
		out = append(out, queue.Message{
			ID:     m.ID,
			Body:   []byte(body),
			Handle: m.ID,
		})
	}
	return out
}

// Delete implements queue.Transport
func (t *Transport) Delete(ctx context.Context, name, handle string) error {
	if handle == "" {
		return queue.ErrInvalidHandle
	}
	stream := t.stream(name)
	pipe := t.client.TxPipeline()
	ack := pipe.XAck(ctx, stream, t.config.Group, handle)
	pipe.XDel(ctx, stream, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", handle, err)
	}
	if ack.Val() == 0 {
		return queue.ErrInvalidHandle
	}
	return nil
}
