package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-mcp/madonna/src/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options are the Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient opens a go-redis client. The connection is established lazily.
// Context deadlines apply to every command.
func NewClient(o Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  o.Addr,
		Password:              o.Password,
		DB:                    o.DB,
		ContextTimeoutEnabled: true,
	})
}

// Redis persists session snapshots under <prefix>session and serves the ID
// token stored under <prefix>id_token.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis creates a store. A zero ttl keeps keys until cleared.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis-store").Logger(),
	}
}

func (r *Redis) sessionKey() string { return r.prefix + "session" }
func (r *Redis) tokenKey() string   { return r.prefix + "id_token" }

// Save writes the snapshot.
func (r *Redis) Save(ctx context.Context, s session.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	r.logger.Debug().Str("phase", string(s.Phase)).Msg("snapshot saved")
	return nil
}

// Load returns the last saved snapshot. ok is false when none is stored.
func (r *Redis) Load(ctx context.Context) (s session.State, ok bool, err error) {
	data, err := r.client.Get(ctx, r.sessionKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("load snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// Clear removes the snapshot. Clearing an empty store is not an error.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.sessionKey()).Err(); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// IDToken returns the stored ID token, or "" when there is none.
func (r *Redis) IDToken(ctx context.Context) (string, error) {
	tok, err := r.client.Get(ctx, r.tokenKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load id token: %w", err)
	}
	return tok, nil
}

// SetIDToken stores the ID token with the given expiry (0 for none).
func (r *Redis) SetIDToken(ctx context.Context, token string, ttl time.Duration) error {
	return r.client.Set(ctx, r.tokenKey(), token, ttl).Err()
}

// Revoke deletes the ID token.
func (r *Redis) Revoke(ctx context.Context) error {
	return r.client.Del(ctx, r.tokenKey()).Err()
}
