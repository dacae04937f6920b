package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/idport/idport/internal/core"
)

// DefaultSessionPrefix namespaces the flow sessions inside a shared redis.
const DefaultSessionPrefix = "idport:sess:"

// RedisSessionStore keeps authorization-flow sessions in redis with a TTL,
// so abandoned logins vanish on their own and every instance of the service
// sees the same sessions.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore wraps an existing redis client. An empty prefix
// selects DefaultSessionPrefix.
func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisSessionStore) Create(ctx context.Context, sess core.AuthSession, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*core.AuthSession, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	var sess core.AuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) BindSubject(ctx context.Context, id string, subjectID int64) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.SubjectID = subjectID

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	// KeepTTL so binding the subject does not extend the session lifetime
	err = s.client.Set(ctx, s.key(id), data, redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Consume removes and returns the session with a single GETDEL, so two
// concurrent consumers of the same id cannot both get it back.
func (s *RedisSessionStore) Consume(ctx context.Context, id string) (*core.AuthSession, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}
	var sess core.AuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Close(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}
