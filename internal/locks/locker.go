// Package locks provides short-lived distributed claims on top of Redis.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// ErrNotOwner is returned when releasing a lock held by someone else.
var ErrNotOwner = errors.New("locks: lock not owned by caller")

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements owner-token locks with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, logger *logging.Logger) *RedisLocker {
	if client == nil {
		panic("locks: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, logger: logger}
}

// TryLock claims key for ttl. It returns the owner token when acquired.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("locks: try lock %s: %w", key, err)
	}
	if !ok {
		l.logger.Debug("locks: not acquired", "key", key)
		return false, "", nil
	}
	return true, token, nil
}

// Unlock releases key if token still owns it. An expired lock is not an error.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int()
	if err != nil {
		return fmt.Errorf("locks: unlock %s: %w", key, err)
	}
	if n == 0 {
		exists, err := l.client.Exists(ctx, l.prefix+key).Result()
		if err == nil && exists > 0 {
			return ErrNotOwner
		}
	}
	return nil
}

// SetOnce records key for ttl and reports whether this caller was first.
func (l *RedisLocker) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("locks: set once %s: %w", key, err)
	}
	return ok, nil
}

// MemoryLocker is a single-process stand-in used when Redis is not configured.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryLocker) claim(key string, ttl time.Duration, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(key); held {
		return false
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = memoryEntry{token: token, expires: expires}
	return true
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	if !m.claim(key, ttl, token) {
		return false, "", nil
	}
	return true, token, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, held := m.live(key)
	if !held {
		return nil
	}
	if e.token != token {
		return ErrNotOwner
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryLocker) SetOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return m.claim(key, ttl, "once"), nil
}
