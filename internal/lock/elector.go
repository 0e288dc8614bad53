// Package lock elects a single dispatching instance through a Redis key.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultKey = "taskpilot:dispatcher:leader"
	DefaultTTL = 30 * time.Second
)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Dial parses a redis:// URL and checks the server is reachable.
func Dial(redisURL string) (*redis.Client, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Elector holds the leader key while it keeps refreshing it. Leadership lapses
// on its own when the holder stops refreshing for a TTL.
type Elector struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
	leader atomic.Bool
}

func NewElector(client *redis.Client, key string, ttl time.Duration) *Elector {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Elector{client: client, key: key, id: uuid.NewString(), ttl: ttl}
}

func (e *Elector) ID() string { return e.id }

func (e *Elector) IsLeader() bool { return e.leader.Load() }

// TryAcquire takes the key when free or refreshes it when already held.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	if e.leader.Load() {
		n, err := refreshScript.Run(ctx, e.client, []string{e.key}, e.id, e.ttl.Milliseconds()).Int()
		if err != nil {
			e.leader.Store(false)
			return false, err
		}
		if n == 1 {
			return true, nil
		}
		e.leader.Store(false)
	}
	ok, err := e.client.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		return false, err
	}
	e.leader.Store(ok)
	return ok, nil
}

// Release drops the key if this elector still holds it.
func (e *Elector) Release(ctx context.Context) error {
	e.leader.Store(false)
	return releaseScript.Run(ctx, e.client, []string{e.key}, e.id).Err()
}

// Run campaigns every TTL/3 until ctx is done, then releases the key.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := e.Release(rctx); err != nil {
				log.Warn().Err(err).Msg("failed to release leader lock")
			}
			cancel()
			return
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

func (e *Elector) campaign(ctx context.Context) {
	was := e.leader.Load()
	tctx, cancel := context.WithTimeout(ctx, e.ttl/3)
	defer cancel()
	ok, err := e.TryAcquire(tctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("key", e.key).Msg("leader election failed")
		}
		return
	}
	if ok != was {
		log.Info().Bool("leader", ok).Str("instance", e.id).Msg("leadership changed")
	}
}
