package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/autherrors"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Redis is a Broadcaster whose medium is a Redis server shared by every
// context. The latest marker is stored under a fixed key and announced on a
// pub/sub channel.
type Redis struct {
	client  *redis.Client
	origin  string
	key     string
	channel string
	ttl     time.Duration
	logger  zerolog.Logger
	nowFunc func() time.Time

	pubsub    *redis.PubSub
	subs      subscribers
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Broadcaster = (*Redis)(nil)

// RedisOption configures a Redis broadcaster.
type RedisOption func(*Redis)

// WithKey overrides the marker key.
func WithKey(key string) RedisOption {
	return func(r *Redis) {
		r.key = key
	}
}

// WithChannel overrides the pub/sub channel name.
func WithChannel(channel string) RedisOption {
	return func(r *Redis) {
		r.channel = channel
	}
}

// WithMarkerTTL expires the stored marker after ttl. Zero keeps it forever.
func WithMarkerTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithOrigin fixes the origin id instead of generating one.
func WithOrigin(origin string) RedisOption {
	return func(r *Redis) {
		r.origin = origin
	}
}

// WithRedisLogger sets the logger used for delivery problems.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis subscribes to the channel and starts delivering signals from other
// origins. The subscription is confirmed before NewRedis returns.
func NewRedis(ctx context.Context, client *redis.Client, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("[NewRedis] redis client required")
	}

	r := &Redis{
		client:  client,
		origin:  uuid.New().String(),
		key:     DefaultKey,
		channel: DefaultChannel,
		logger:  log.Logger,
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.pubsub = client.Subscribe(ctx, r.channel)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, errors.Wrapf(err, "[NewRedis] subscribe %s", r.channel)
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *Redis) Origin() string {
	return r.origin
}

// Publish writes the marker under the fixed key and announces it on the
// channel.
func (r *Redis) Publish(ctx context.Context, s Signal) error {
	select {
	case <-r.done:
		return autherrors.ErrClosed
	default:
	}

	s.Origin = r.origin
	if s.At.IsZero() {
		s.At = r.nowFunc()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "[Redis.Publish] encode signal")
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, payload, r.ttl)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "[Redis.Publish] write marker")
	}
	return nil
}

// Last reads the most recent marker from the fixed key.
func (r *Redis) Last(ctx context.Context) (Signal, bool, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, errors.Wrap(err, "[Redis.Last] read marker")
	}

	var s Signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return Signal{}, false, errors.Wrap(err, "[Redis.Last] decode marker")
	}
	return s, true, nil
}

func (r *Redis) Subscribe(fn func(Signal)) func() {
	return r.subs.add(fn)
}

// Close stops the delivery goroutine. The redis client stays open; it belongs
// to the caller.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}

func (r *Redis) run() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var s Signal
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed signal")
				continue
			}
			if s.Origin == r.origin {
				continue
			}
			r.subs.deliver(s)
		case <-r.done:
			return
		}
	}
}
