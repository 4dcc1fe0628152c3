package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Redis is a Presence backed by a shared Redis instance. It holds two
// connections: one dedicated to subscriptions (a subscribed connection
// cannot issue regular commands) and one for everything else.
type Redis struct {
	pub *redis.Client
	sub *redis.Client
	cb  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	topics map[string]*redisTopic
	wg     sync.WaitGroup
}

type redisTopic struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers []SubscriptionHandler
}

// NewRedis connects to Redis and verifies connectivity before returning.
func NewRedis(addr, password string) (*Redis, error) {
	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "presence",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "Connected to Redis presence", zap.String("addr", addr))
	return &Redis{
		pub:    pub,
		sub:    sub,
		cb:     gobreaker.NewCircuitBreaker(st),
		topics: make(map[string]*redisTopic),
	}, nil
}

// exec routes a command through the circuit breaker so a dead Redis does
// not pile up blocked callers.
func (r *Redis) exec(op func() (any, error)) (any, error) {
	res, err := r.cb.Execute(op)
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// --- pub/sub ---

func (r *Redis) Subscribe(ctx context.Context, topic string, handler SubscriptionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[topic]; ok {
		// Additional handlers share the existing Redis subscription.
		t.handlers = append(t.handlers, handler)
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.sub.Subscribe(subCtx, topic)

	// Force the SUBSCRIBE round-trip so publishes after this call are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("presence: subscribe %q: %w", topic, err)
	}

	t := &redisTopic{pubsub: pubsub, cancel: cancel, handlers: []SubscriptionHandler{handler}}
	r.topics[topic] = t

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(subCtx, "Redis subscription channel closed", zap.String("topic", topic))
					return
				}
				r.mu.Lock()
				handlers := make([]SubscriptionHandler, len(t.handlers))
				copy(handlers, t.handlers)
				r.mu.Unlock()
				for _, h := range handlers {
					h([]byte(msg.Payload))
				}
			}
		}
	}()

	return nil
}

func (r *Redis) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[topic]; ok {
		t.cancel()
		delete(r.topics, topic)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Publish(ctx, topic, data).Err()
	})
	if err == gobreaker.ErrOpenState {
		logging.Warn(ctx, "Presence circuit breaker open: dropping publish", zap.String("topic", topic))
		return nil // graceful degradation, at-most-once delivery allows drops
	}
	return err
}

func (r *Redis) Channels(ctx context.Context, pattern string) ([]string, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.PubSubChannels(ctx, pattern).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- strings ---

func (r *Redis) Set(ctx context.Context, key, value string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Set(ctx, key, value, 0).Err()
	})
	return err
}

func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	res, err := r.exec(func() (any, error) {
		v, err := r.pub.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Del(ctx, key).Err()
	})
	return err
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Expire(ctx, key, ttl).Err()
	})
	return err
}

// --- sets ---

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.SAdd(ctx, key, member).Err()
	})
	return err
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.SRem(ctx, key, member).Err()
	})
	return err
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (r *Redis) SInter(ctx context.Context, keys ...string) ([]string, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.SInter(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- hashes ---

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.HSet(ctx, key, field, value).Err()
	})
	return err
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := r.exec(func() (any, error) {
		v, err := r.pub.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.HDel(ctx, key, fields...).Err()
	})
	return err
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.HIncrBy(ctx, key, field, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (r *Redis) HIncrByEx(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	res, err := r.exec(func() (any, error) {
		pipe := r.pub.TxPipeline()
		incr := pipe.HIncrBy(ctx, key, field, delta)
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return int64(0), err
		}
		return incr.Val(), nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (r *Redis) HLen(ctx context.Context, key string) (int, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.HLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

// --- counters ---

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.Decr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- lists ---

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.LPush(ctx, key, toAny(values)...).Err()
	})
	return err
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.RPush(ctx, key, toAny(values)...).Err()
	})
	return err
}

func (r *Redis) LPop(ctx context.Context, key string) (string, error) {
	res, err := r.exec(func() (any, error) {
		v, err := r.pub.LPop(ctx, key).Result()
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (r *Redis) RPop(ctx context.Context, key string) (string, error) {
	res, err := r.exec(func() (any, error) {
		v, err := r.pub.RPop(ctx, key).Result()
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int, error) {
	res, err := r.exec(func() (any, error) {
		return r.pub.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

// BRPop blocks outside the circuit breaker: a blocking command held open
// for its full timeout would trip the breaker on healthy backends.
func (r *Redis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := r.pub.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return res[0], res[1], true, nil
}

// --- lifecycle ---

func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.exec(func() (any, error) {
		return nil, r.pub.Ping(ctx).Err()
	})
	return err
}

func (r *Redis) Shutdown(_ context.Context) error {
	r.mu.Lock()
	for topic, t := range r.topics {
		t.cancel()
		delete(r.topics, topic)
	}
	r.mu.Unlock()

	r.wg.Wait()

	if err := r.sub.Close(); err != nil {
		return err
	}
	return r.pub.Close()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
