package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	keyPrefixLock    = "deflect:lock:"
	keyPrefixClaim   = "deflect:msg:"
	keyPrefixHistory = "deflect:history:"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if this holder still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var (
	_ Locker           = (*Redis)(nil)
	_ IdempotencyStore = (*Redis)(nil)
	_ History          = (*Redis)(nil)
)

// Redis keeps conversation state in Redis so that several server
// instances share locks and history.
type Redis struct {
	rdb  redis.UniversalClient
	opts Options
}

func NewRedis(rdb redis.UniversalClient, opts Options) *Redis {
	return &Redis{rdb: rdb, opts: opts.withDefaults()}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := keyPrefixLock + key
	token := uuid.NewString()

	err := poll(ctx, r.opts.LockWait, r.opts.PollInterval, func() (bool, error) {
		ok, err := r.rdb.SetNX(ctx, lockKey, token, r.opts.LockTTL).Result()
		if err != nil {
			return false, fmt.Errorf("acquiring conversation lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go r.keepAlive(lockKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Detached from ctx so that a cancelled request still releases.
			releaseScript.Run(context.Background(), r.rdb, []string{lockKey}, token)
		})
	}, nil
}

// keepAlive re-arms the lock TTL while the holder works, so that only a
// crashed holder's lock ever expires.
func (r *Redis) keepAlive(lockKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := refreshScript.Run(context.Background(), r.rdb, []string{lockKey}, token, r.opts.LockTTL.Milliseconds()).Err()
			if err != nil {
				slog.Warn("refreshing conversation lock failed", "lock", lockKey, "error", err)
			}
		}
	}
}

func (r *Redis) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefixClaim+id, 1, r.opts.IdempotencyWindow).Result()
	if err != nil {
		return false, fmt.Errorf("claiming message id: %w", err)
	}
	return ok, nil
}

func (r *Redis) Load(ctx context.Context, key string) ([]Turn, error) {
	raw, err := r.rdb.LRange(ctx, keyPrefixHistory+key, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decoding history turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *Redis) Append(ctx context.Context, key string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, len(turns))
	for i, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		values[i] = string(b)
	}

	hkey := keyPrefixHistory + key
	max := int64(r.opts.maxMessages())
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, hkey, values...)
		p.LTrim(ctx, hkey, -max, -1)
		p.Expire(ctx, hkey, r.opts.HistoryTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, keyPrefixHistory+key).Err(); err != nil {
		return fmt.Errorf("resetting history: %w", err)
	}
	return nil
}
