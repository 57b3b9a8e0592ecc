package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// Lock is a held deploy lock.
type Lock interface {
	Token() string
	// Release frees the lock if this holder still owns it.
	Release(ctx context.Context) error
}

// Locker serialises deploys. Acquire fails fast with DEPLOY_LOCKED when
// another run holds key; the TTL frees locks of crashed runs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

func lockedError(key, holder string) error {
	err := apperrors.Newf(apperrors.ErrCodeDeployLocked, "another deploy holds %s", key).
		WithContext("key", key)
	if holder != "" {
		err = err.WithContext("holder", holder)
	}
	return err
}

// RedisConfig addresses the lock server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RedisLocker holds locks as Redis keys set with NX and a PX expiry.
type RedisLocker struct {
	client *redis.Client
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLocker connects and pings the server.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, key).Result()
		return nil, lockedError(key, holder)
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Token() string { return l.token }

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s expired or was taken over", l.key)
	}
	return nil
}

// MemoryLocker holds locks in process. It serialises runs within one
// process only.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, lockedError(key, e.token)
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{locker: l, key: key, token: token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLock) Token() string { return l.token }

func (l *memoryLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	e, ok := l.locker.held[l.key]
	if !ok || e.token != l.token {
		return fmt.Errorf("lock %s expired or was taken over", l.key)
	}
	delete(l.locker.held, l.key)
	return nil
}

// NewLocker returns a RedisLocker when cfg has an address and the server
// answers, and a MemoryLocker otherwise.
func NewLocker(ctx context.Context, cfg RedisConfig, log logger.Logger) Locker {
	if cfg.Addr == "" {
		log.Info("No lock server configured, using in-process deploy lock")
		return NewMemoryLocker()
	}
	locker, err := NewRedisLocker(ctx, cfg)
	if err != nil {
		log.Warn("Lock server unavailable, falling back to in-process deploy lock", "addr", cfg.Addr, "error", err)
		return NewMemoryLocker()
	}
	return locker
}
