package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/riskwatch/platform/internal/domain"
)

const (
	sessionKeyPrefix   = "session:"
	identityIndexKey   = "sessions:identity:"
	activeSessionsKey  = "sessions:active"
	challengeKeyPrefix = "mfa:challenge:"

	maxTxRetries = 8
)

// RedisSessionStore keeps sessions as JSON documents. Mutate uses WATCH/MULTI and
// retries when another writer touched the same session.
type RedisSessionStore struct {
	rdb       *redis.Client
	retention time.Duration
	sink      EventSink
}

// NewRedisSessionStore creates a store. Ended sessions stay readable for retention
// after their expiry. sink may be nil.
func NewRedisSessionStore(rdb *redis.Client, retention time.Duration, sink EventSink) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, retention: retention, sink: sink}
}

func (r *RedisSessionStore) Create(ctx context.Context, s *domain.Session, events ...domain.OutboxDraft) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, sessionKeyPrefix+s.Token, raw, r.ttl(s)).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return domain.ErrConflict("session token already in use")
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		r.index(ctx, p, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return appendEvents(ctx, r.sink, events)
}

func (r *RedisSessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	return r.load(ctx, r.rdb, token)
}

func (r *RedisSessionStore) Mutate(ctx context.Context, token string, fn MutateFunc) (*domain.Session, error) {
	key := sessionKeyPrefix + token

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var (
			result *domain.Session
			events []domain.OutboxDraft
			fnErr  error
		)

		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.load(ctx, tx, token)
			if err != nil {
				return err
			}
			if current == nil {
				return domain.ErrSessionNotFound()
			}

			next := current.Clone()
			var persist bool
			events, persist, fnErr = applyMutation(next, fn)
			if !persist {
				if fnErr == nil {
					result = current
				}
				return nil
			}

			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, raw, r.ttl(next))
				r.index(ctx, p, next)
				return nil
			})
			if err == nil {
				result = next
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, fnErr
		}
		if sinkErr := appendEvents(ctx, r.sink, events); sinkErr != nil && fnErr == nil {
			fnErr = sinkErr
		}
		return result, fnErr
	}
	return nil, fmt.Errorf("mutate session: too much contention after %d attempts", maxTxRetries)
}

func (r *RedisSessionStore) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.Session, error) {
	indexKey := identityIndexKey + identityID.String()

	tokens, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list session index: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = sessionKeyPrefix + t
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var sessions []domain.Session
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, tokens[i])
			continue
		}
		var s domain.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		s.Token = tokens[i]
		s.Activity = nil
		sessions = append(sessions, s)
	}
	if len(stale) > 0 {
		_ = r.rdb.SRem(ctx, indexKey, stale...).Err()
	}

	sortByStartDesc(sessions)
	return sessions, nil
}

func (r *RedisSessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	tokens, err := r.rdb.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     activeSessionsKey,
		Start:   "-inf",
		Stop:    "(" + strconv.FormatInt(now.UnixMilli(), 10),
		ByScore: true,
		Count:   int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return tokens, nil
}

type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisSessionStore) load(ctx context.Context, rdb redisReader, token string) (*domain.Session, error) {
	raw, err := rdb.Get(ctx, sessionKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Token = token
	return &s, nil
}

// index keeps the identity set and the active-expiry sorted set in step with s.
func (r *RedisSessionStore) index(ctx context.Context, p redis.Pipeliner, s *domain.Session) {
	indexKey := identityIndexKey + s.IdentityID.String()
	p.SAdd(ctx, indexKey, s.Token)
	p.Expire(ctx, indexKey, r.ttl(s))

	if s.IsActive() {
		p.ZAdd(ctx, activeSessionsKey, redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.Token})
	} else {
		p.ZRem(ctx, activeSessionsKey, s.Token)
	}
}

func (r *RedisSessionStore) ttl(s *domain.Session) time.Duration {
	ttl := time.Until(s.ExpiresAt) + r.retention
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// RedisChallengeStore keeps second-factor challenges with a TTL matching their expiry.
type RedisChallengeStore struct {
	rdb *redis.Client
}

// NewRedisChallengeStore creates a new RedisChallengeStore.
func NewRedisChallengeStore(rdb *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{rdb: rdb}
}

func (s *RedisChallengeStore) Save(ctx context.Context, c *domain.Challenge) error {
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, challengeKeyPrefix+c.ID.String(), raw, ttl).Err()
}

func (s *RedisChallengeStore) Get(ctx context.Context, id uuid.UUID) (*domain.Challenge, error) {
	raw, err := s.rdb.Get(ctx, challengeKeyPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var c domain.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx, challengeKeyPrefix+id.String()).Err()
}
