//go:build integration

package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Postgres tests expect the schema from db/migrations to be applied.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(),
			"TRUNCATE TABLE event_outbox, session_activity, sessions, known_locations, known_devices, login_events, identities CASCADE")
		pool.Close()
	})
	return pool
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	require.NoError(t, rdb.Ping(context.Background()).Err())

	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func createIdentity(t *testing.T, store IdentityStore) *domain.Identity {
	t.Helper()
	suffix := uuid.NewString()[:8]
	id := &domain.Identity{
		ID:           uuid.New(),
		Username:     "user" + suffix,
		Email:        "user" + suffix + "@example.com",
		PasswordHash: "hash",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), id,
		domain.NewIdentityRegisteredEvent(id.ID, id.Username, id.Email)))
	return id
}

func TestPgIdentityStore_RoundTrip(t *testing.T) {
	pool := setupPool(t)
	outbox := NewOutboxRepository()
	store := NewPgIdentityStore(pool, outbox)
	ctx := context.Background()

	id := createIdentity(t, store)

	err := store.Create(ctx, &domain.Identity{ID: uuid.New(), Username: id.Username, Email: "x@example.com", CreatedAt: time.Now()})
	assert.True(t, domain.IsCode(err, domain.CodeConflict))

	lat, lon := 52.52, 13.40
	at := time.Now().UTC().Truncate(time.Millisecond)
	rec := domain.LoginRecord{
		Event: domain.LoginEvent{
			Timestamp: at, IP: "203.0.113.5", DeviceID: "laptop",
			Location:  domain.Location{Country: "DE", City: "Berlin", Latitude: &lat, Longitude: &lon},
			RiskScore: 12, Outcome: domain.OutcomeSuccess,
		},
		Device:   &domain.KnownDevice{DeviceID: "laptop", Label: "Mac", LastSeen: at, LastIP: "203.0.113.5"},
		Location: &domain.KnownLocation{Country: "DE", City: "Berlin", LastSeen: at},
	}
	require.NoError(t, store.RecordLogin(ctx, id.ID, rec))
	require.NoError(t, store.RecordLogin(ctx, id.ID, rec))

	got, err := store.FindByLogin(ctx, id.Email)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.LoginHistory, 2)
	assert.Len(t, got.KnownDevices, 1)
	assert.Len(t, got.KnownLocations, 1)
	assert.InDelta(t, lat, *got.LoginHistory[0].Location.Latitude, 1e-9)

	rows, err := outbox.FetchUnpublishedRows(ctx, pool, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.NoError(t, outbox.MarkPublished(ctx, pool, []int64{rows[0].SeqID}))
}

func TestPgSessionStore_ConcurrentMutate(t *testing.T) {
	pool := setupPool(t)
	outbox := NewOutboxRepository()
	ids := NewPgIdentityStore(pool, outbox)
	store := NewPgSessionStore(pool, outbox)
	ctx := context.Background()

	owner := createIdentity(t, ids)
	s := newTestSession(uuid.NewString(), owner.ID)
	require.NoError(t, store.Create(ctx, s))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, s.Token, func(sess *domain.Session) ([]domain.OutboxDraft, error) {
				sess.RequestCount++
				sess.Activity = append(sess.Activity, domain.ActivityRecord{
					Seq: sess.RequestCount, Timestamp: time.Now(), Endpoint: "/x", Method: "GET", StatusCode: 200, IP: sess.IP,
				})
				if len(sess.Activity) > domain.ActivityWindow {
					sess.Activity = sess.Activity[len(sess.Activity)-domain.ActivityWindow:]
				}
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.RequestCount)
	assert.Len(t, got.Activity, domain.ActivityWindow)
	assert.Equal(t, int64(30), got.Activity[len(got.Activity)-1].Seq)

	_, err = store.Mutate(ctx, "missing", func(*domain.Session) ([]domain.OutboxDraft, error) { return nil, nil })
	assert.True(t, domain.IsCode(err, domain.CodeSessionNotFound))
}

func TestRedisSessionStore_MutateAndIndexes(t *testing.T) {
	rdb := setupRedis(t)
	store := NewRedisSessionStore(rdb, time.Hour, nil)
	ctx := context.Background()
	owner := uuid.New()

	s := newTestSession(uuid.NewString(), owner)
	s.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Create(ctx, s))

	expired, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{s.Token}, expired)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, s.Token, func(sess *domain.Session) ([]domain.OutboxDraft, error) {
				sess.RequestCount++
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = store.Mutate(ctx, s.Token, func(sess *domain.Session) ([]domain.OutboxDraft, error) {
		sess.Status = domain.SessionExpired
		return nil, nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RequestCount)
	assert.Equal(t, s.Token, got.Token)

	expired, err = store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	list, err := store.ListByIdentity(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRedisChallengeStore(t *testing.T) {
	rdb := setupRedis(t)
	store := NewRedisChallengeStore(rdb)
	ctx := context.Background()

	c := &domain.Challenge{ID: uuid.New(), CodeHash: "abc", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Save(ctx, c))

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.CodeHash)

	require.NoError(t, store.Delete(ctx, c.ID))
	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
