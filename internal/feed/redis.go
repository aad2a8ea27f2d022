package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"procure/internal/config"
)

// RedisFeed carries changes over redis pub/sub. Writers publish after each
// committed write; every process running the feed receives them.
type RedisFeed struct {
	rdb     *goredis.Client
	channel string
	log     *zap.Logger
	d       *dispatcher
}

func NewRedisFeed(cfg config.Config, log *zap.Logger) (*RedisFeed, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisFeed(rdb, cfg.FeedChannel, log), nil
}

func newRedisFeed(rdb *goredis.Client, channel string, log *zap.Logger) *RedisFeed {
	if channel == "" {
		channel = "procure_changes"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{rdb: rdb, channel: channel, log: log, d: newDispatcher(TableRequests, TableSourcingOptions)}
}

func (f *RedisFeed) Subscribe(ctx context.Context, table string, events []EventType, h Handler) (Subscription, error) {
	return f.d.subscribe(ctx, table, events, h)
}

func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, payload).Err()
}

func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.log.Info("feed listening", zap.String("channel", f.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				f.log.Warn("feed payload ignored", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			f.d.dispatch(c)
		}
	}
}

func (f *RedisFeed) Close() error {
	return f.rdb.Close()
}
