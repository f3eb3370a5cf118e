package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sessionKeyPrefix = "trustcore:session:"

// ErrSessionNotFound is returned when a session token is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// TokenHasher produces the deterministic digest under which a session token
// is stored. Tokens are never written to Redis in the clear.
type TokenHasher interface {
	HashForIndexing(value string) string
}

// SessionStore maps session tokens to actor IDs with a fixed TTL.
type SessionStore struct {
	client *redis.Client
	hasher TokenHasher
	ttl    time.Duration
	logger *zap.Logger
}

// NewSessionStore creates a Redis-backed session store.
func NewSessionStore(client *redis.Client, hasher TokenHasher, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		hasher: hasher,
		ttl:    ttl,
		logger: logger,
	}
}

// Store records a session token for an actor. The TTL starts at write time.
func (s *SessionStore) Store(ctx context.Context, token, actorID string) error {
	if token == "" || actorID == "" {
		return fmt.Errorf("token and actor ID are required")
	}

	key := sessionKeyPrefix + s.hasher.HashForIndexing(token)
	if err := s.client.Set(ctx, key, actorID, s.ttl).Err(); err != nil {
		s.logger.Error("session store write failed", zap.Error(err))
		return fmt.Errorf("session store write failed: %w", err)
	}
	return nil
}

// Lookup resolves a session token to its actor ID.
func (s *SessionStore) Lookup(ctx context.Context, token string) (string, error) {
	key := sessionKeyPrefix + s.hasher.HashForIndexing(token)
	actorID, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		s.logger.Error("session store read failed", zap.Error(err))
		return "", fmt.Errorf("session store read failed: %w", err)
	}
	return actorID, nil
}

// Revoke removes a session immediately. Revoking an unknown token is not an
// error.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	key := sessionKeyPrefix + s.hasher.HashForIndexing(token)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session store delete failed: %w", err)
	}
	return nil
}
