// Package sessionlock coordinates sessions across server replicas through Redis: a
// per-session turn lock and a cancel channel reaching whichever replica owns the turn.
package sessionlock

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chadiek/avatar-runtime/internal/logger"
)

const (
	keyPrefix     = "avatar:turn:"
	cancelChannel = "avatar:cancel"
)

// release only deletes the key while it still names our turn.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedis connects and pings. ttl bounds how long a crashed replica can hold a session.
func NewRedis(addr string, ttl time.Duration, log *logger.Logger) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Redis{
		log: logger.OrNop(log).With("service", "RedisTurnLock"),
		rdb: rdb,
		ttl: ttl,
	}, nil
}

// Acquire implements agent.TurnLock.
func (r *Redis) Acquire(ctx context.Context, sessionID, turnID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+sessionID, turnID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire: %w", err)
	}
	return ok, nil
}

// Release implements agent.TurnLock.
func (r *Redis) Release(ctx context.Context, sessionID, turnID string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{keyPrefix + sessionID}, turnID).Err(); err != nil {
		r.log.Warn("redis release failed", "session", sessionID, "turn", turnID, "error", err)
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Holder returns the turn currently holding sessionID, or "".
func (r *Redis) Holder(ctx context.Context, sessionID string) (string, error) {
	v, err := r.rdb.Get(ctx, keyPrefix+sessionID).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, err
}

// PublishCancel asks every replica to cancel the active turn of sessionID.
func (r *Redis) PublishCancel(ctx context.Context, sessionID string) error {
	return r.rdb.Publish(ctx, cancelChannel, sessionID).Err()
}

// ForwardCancels calls onCancel for every published cancel until ctx is done.
func (r *Redis) ForwardCancels(ctx context.Context, onCancel func(sessionID string)) error {
	sub := r.rdb.Subscribe(ctx, cancelChannel)
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onCancel(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
