package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// SessionStore persists in-flight booking sessions.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
}

const defaultSessionTTL = 30 * time.Minute

// RedisSessionStore keeps sessions as JSON with a sliding TTL.
type RedisSessionStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration, tracer trace.Tracer) *RedisSessionStore {
	if client == nil {
		panic("booking: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if tracer == nil {
		tracer = otel.Tracer("wellness.internal.booking.sessions")
	}
	return &RedisSessionStore{redis: client, ttl: ttl, tracer: tracer}
}

func sessionKey(id uuid.UUID) string {
	return fmt.Sprintf("booking:session:%s", id)
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *Session) error {
	ctx, span := s.tracer.Start(ctx, "booking.save_session")
	defer span.End()

	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking: failed to marshal session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking: failed to persist session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "booking.load_session")
	defer span.End()

	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("booking: failed to load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("booking: failed to decode session: %w", err)
	}
	return &sess, nil
}

// MemorySessionStore is an in-process store for development and tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]memorySession
	ttl      time.Duration
	now      func() time.Time
}

type memorySession struct {
	data      []byte
	expiresAt time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &MemorySessionStore{sessions: make(map[uuid.UUID]memorySession), ttl: ttl, now: time.Now}
}

func (m *MemorySessionStore) Save(_ context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("booking: failed to marshal session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = memorySession{data: data, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	if ok && !m.now().Before(entry.expiresAt) {
		delete(m.sessions, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(entry.data, &sess); err != nil {
		return nil, fmt.Errorf("booking: failed to decode session: %w", err)
	}
	return &sess, nil
}
