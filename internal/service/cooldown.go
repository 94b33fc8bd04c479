package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const limiterPrefix = "wetoo_limiter"

// NewLimiterStore возвращает Redis store, если задан redisURL, иначе store в памяти процесса.
// closeFn закрывает соединение с Redis и безопасна для store в памяти.
func NewLimiterStore(ctx context.Context, redisURL string, log logrus.FieldLogger) (limiter.Store, func() error, error) {
	if redisURL == "" {
		log.Info("cooldown: используем store в памяти процесса")
		store := memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          limiterPrefix,
			CleanUpInterval: time.Minute,
		})
		return store, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("cooldown: некорректный REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("cooldown: redis недоступен: %w", err)
	}

	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   limiterPrefix,
		MaxRetry: 3,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("cooldown: не удалось создать redis store: %w", err)
	}
	log.WithField("addr", opts.Addr).Info("cooldown: используем redis store")
	return store, client.Close, nil
}

// Cooldown ограничивает частоту выдачи кодов на пару (identity, purpose):
// не чаще одного раза за период resend и не более maxPerWindow за окно.
type Cooldown struct {
	resend *limiter.Limiter
	window *limiter.Limiter
	now    func() time.Time
}

func NewCooldown(store limiter.Store, resend, window time.Duration, maxPerWindow int64) *Cooldown {
	c := &Cooldown{now: time.Now}
	if resend > 0 {
		c.resend = limiter.New(store, limiter.Rate{Period: resend, Limit: 1})
	}
	if window > 0 && maxPerWindow > 0 {
		c.window = limiter.New(store, limiter.Rate{Period: window, Limit: maxPerWindow})
	}
	return c
}

// Allow засчитывает запрос и возвращает время до следующей разрешённой попытки,
// если лимит исчерпан. Нулевое значение означает, что запрос разрешён.
func (c *Cooldown) Allow(ctx context.Context, key string) (time.Duration, error) {
	if c.resend != nil {
		lctx, err := c.resend.Get(ctx, "resend:"+key)
		if err != nil {
			return 0, fmt.Errorf("cooldown: %w", err)
		}
		if lctx.Reached {
			return c.retryAfter(lctx.Reset), nil
		}
	}
	if c.window != nil {
		lctx, err := c.window.Get(ctx, "window:"+key)
		if err != nil {
			return 0, fmt.Errorf("cooldown: %w", err)
		}
		if lctx.Reached {
			return c.retryAfter(lctx.Reset), nil
		}
	}
	return 0, nil
}

func (c *Cooldown) retryAfter(resetUnix int64) time.Duration {
	d := time.Unix(resetUnix, 0).Sub(c.now())
	if d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}
