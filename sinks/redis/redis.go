// Package redis mirrors relayed updates into Redis, either as PUBLISH on a
// channel per topic or as entries of a capped stream per topic.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qvcloud/relay"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "relay:"

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type redisSink struct {
	opts   relay.Options
	client redisClient

	sync.RWMutex
	prefix  string
	stream  bool
	maxLen  int64
	running bool
	closed  bool

	newClient func(opts *redis.Options) redisClient
}

func (r *redisSink) Options() relay.Options { return r.opts }

func (r *redisSink) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *redisSink) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return relay.ErrClosed
	}
	if r.running {
		return nil
	}

	addr := r.Address()
	if addr == "" {
		return fmt.Errorf("redis: address is required")
	}

	redisOpts := &redis.Options{
		Addr:       addr,
		ClientName: r.opts.ClientID,
		TLSConfig:  r.opts.TLSConfig,
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, passwordKey{}).(string); ok {
		redisOpts.Password = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, dbKey{}).(int); ok {
		redisOpts.DB = v
	}
	r.prefix = defaultPrefix
	if v, ok := relay.GetTrackedValue(r.opts.Context, prefixKey{}).(string); ok {
		r.prefix = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, streamKey{}).(int64); ok {
		r.stream = true
		r.maxLen = v
	}

	client := r.newClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis: connect error: %w", err)
	}

	r.client = client
	r.running = true

	relay.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *redisSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.Connect(); err != nil {
		return err
	}

	r.RLock()
	client, key, stream, maxLen := r.client, r.prefix+topic, r.stream, r.maxLen
	r.RUnlock()
	if client == nil {
		return relay.ErrClosed
	}

	if !stream {
		return client.Publish(ctx, key, payload).Err()
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"topic":   topic,
			"payload": payload,
		},
		MaxLen: maxLen,
		Approx: maxLen > 0,
	}).Err()
}

func (r *redisSink) Close() error {
	r.Lock()
	defer r.Unlock()

	r.closed = true
	if !r.running {
		return nil
	}
	r.running = false

	client := r.client
	r.client = nil
	return client.Close()
}

func (r *redisSink) String() string {
	return "redis"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &redisSink{
		opts: *options,
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
	}
}

type passwordKey struct{}
type dbKey struct{}
type prefixKey struct{}
type streamKey struct{}

func WithPassword(password string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, passwordKey{}, password, "redis.WithPassword")
	}
}

func WithDB(db int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, dbKey{}, db, "redis.WithDB")
	}
}

// WithKeyPrefix sets the prefix of channel and stream names.
func WithKeyPrefix(prefix string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, prefixKey{}, prefix, "redis.WithKeyPrefix")
	}
}

// WithStream appends updates to a stream per topic instead of publishing
// them. A positive maxLen caps each stream approximately.
func WithStream(maxLen int64) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, streamKey{}, maxLen, "redis.WithStream")
	}
}
