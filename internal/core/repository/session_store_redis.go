package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// redisOpTimeout bounds every store round-trip so a slow Redis cannot hang a
// request; callers treat a timeout as "store unavailable" and fail closed.
const redisOpTimeout = 2 * time.Second

// RedisSessionStore implements domain.SessionStore on Redis. Expiry is
// enforced twice: the key TTL reclaims storage, and Resolve re-checks the
// recorded expiry so the contract does not depend on Redis clock behavior.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "session:",
	}
}

var _ domain.SessionStore = (*RedisSessionStore)(nil)

func (s *RedisSessionStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Create generates a fresh identifier and stores the session under a TTL key.
// SETNX guarantees an identifier in use is never reassigned.
func (s *RedisSessionStore) Create(ctx context.Context, userID int, ttl time.Duration) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	now := time.Now()
	sess := domain.Session{
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := domain.NewSessionID()
		if err != nil {
			return nil, err
		}
		sess.ID = id

		data, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}

		ok, err := s.client.SetNX(ctx, s.key(id), data, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("store session: %w", err)
		}
		if !ok {
			continue
		}

		cp := sess
		return &cp, nil
	}

	return nil, fmt.Errorf("create session: could not allocate a fresh identifier")
}

// Resolve returns the session for the given identifier, or (nil, nil) when it
// is unknown or expired.
func (s *RedisSessionStore) Resolve(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Expired(time.Now()) {
		_ = s.client.Del(ctx, s.key(sessionID)).Err()
		return nil, nil
	}

	return &sess, nil
}

// Destroy removes the session. Deleting a missing key is a no-op in Redis,
// which matches the idempotence contract.
func (s *RedisSessionStore) Destroy(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
