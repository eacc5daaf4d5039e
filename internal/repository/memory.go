package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/syncutil"
)

// MemoryIdentityStore is an in-memory IdentityStore for development and tests.
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]*domain.Identity // full history, oldest first
	logins     map[string]uuid.UUID           // lowercased username and email → id
	sink       EventSink
}

// NewMemoryIdentityStore creates an empty store. sink may be nil.
func NewMemoryIdentityStore(sink EventSink) *MemoryIdentityStore {
	return &MemoryIdentityStore{
		identities: make(map[uuid.UUID]*domain.Identity),
		logins:     make(map[string]uuid.UUID),
		sink:       sink,
	}
}

func (m *MemoryIdentityStore) Create(ctx context.Context, id *domain.Identity, events ...domain.OutboxDraft) error {
	m.mu.Lock()
	user, email := strings.ToLower(id.Username), strings.ToLower(id.Email)
	if _, ok := m.logins[user]; ok {
		m.mu.Unlock()
		return domain.ErrConflict("username already registered")
	}
	if _, ok := m.logins[email]; ok {
		m.mu.Unlock()
		return domain.ErrConflict("email already registered")
	}
	cp := copyIdentity(id, 0)
	m.identities[id.ID] = cp
	m.logins[user] = id.ID
	m.logins[email] = id.ID
	m.mu.Unlock()

	return appendEvents(ctx, m.sink, events)
}

func (m *MemoryIdentityStore) FindByID(_ context.Context, id uuid.UUID) (*domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.identities[id]
	if !ok {
		return nil, nil
	}
	return copyIdentity(ident, domain.LoginHistoryWindow), nil
}

func (m *MemoryIdentityStore) FindByLogin(ctx context.Context, login string) (*domain.Identity, error) {
	m.mu.RLock()
	id, ok := m.logins[strings.ToLower(login)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.FindByID(ctx, id)
}

func (m *MemoryIdentityStore) RecordLogin(ctx context.Context, id uuid.UUID, rec domain.LoginRecord, events ...domain.OutboxDraft) error {
	m.mu.Lock()
	ident, ok := m.identities[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound("identity", id.String())
	}

	ident.LoginHistory = append(ident.LoginHistory, rec.Event)
	if rec.Device != nil {
		upsertDevice(ident, *rec.Device)
	}
	if rec.Location != nil {
		upsertLocation(ident, *rec.Location)
	}
	m.mu.Unlock()

	return appendEvents(ctx, m.sink, events)
}

func (m *MemoryIdentityStore) ListLoginEvents(_ context.Context, id uuid.UUID, limit int) ([]domain.LoginEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.identities[id]
	if !ok {
		return nil, nil
	}
	h := ident.LoginHistory
	out := make([]domain.LoginEvent, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (m *MemoryIdentityStore) CountOutcomesSince(_ context.Context, id uuid.UUID, outcome domain.LoginOutcome, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.identities[id]
	if !ok {
		return 0, nil
	}
	var n int
	for _, ev := range ident.LoginHistory {
		if ev.Outcome == outcome && !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func upsertDevice(ident *domain.Identity, d domain.KnownDevice) {
	for i := range ident.KnownDevices {
		if ident.KnownDevices[i].DeviceID == d.DeviceID {
			ident.KnownDevices[i] = d
			return
		}
	}
	ident.KnownDevices = append(ident.KnownDevices, d)
}

func upsertLocation(ident *domain.Identity, l domain.KnownLocation) {
	for i := range ident.KnownLocations {
		if ident.KnownLocations[i].Country == l.Country && ident.KnownLocations[i].City == l.City {
			ident.KnownLocations[i].LastSeen = l.LastSeen
			return
		}
	}
	ident.KnownLocations = append(ident.KnownLocations, l)
}

// copyIdentity deep-copies ident keeping at most window history events (0 keeps all).
func copyIdentity(ident *domain.Identity, window int) *domain.Identity {
	cp := *ident
	h := ident.LoginHistory
	if window > 0 && len(h) > window {
		h = h[len(h)-window:]
	}
	cp.LoginHistory = append([]domain.LoginEvent(nil), h...)
	cp.KnownDevices = append([]domain.KnownDevice(nil), ident.KnownDevices...)
	cp.KnownLocations = append([]domain.KnownLocation(nil), ident.KnownLocations...)
	return &cp
}

// MemorySessionStore is an in-memory SessionStore. Mutations on one token are
// serialized by a sharded mutex.
type MemorySessionStore struct {
	locks    syncutil.ShardedMutex
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	sink     EventSink
}

// NewMemorySessionStore creates an empty store. sink may be nil.
func NewMemorySessionStore(sink EventSink) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*domain.Session),
		sink:     sink,
	}
}

func (m *MemorySessionStore) Create(ctx context.Context, s *domain.Session, events ...domain.OutboxDraft) error {
	m.mu.Lock()
	if _, exists := m.sessions[s.Token]; exists {
		m.mu.Unlock()
		return domain.ErrConflict("session token already in use")
	}
	m.sessions[s.Token] = s.Clone()
	m.mu.Unlock()

	return appendEvents(ctx, m.sink, events)
}

func (m *MemorySessionStore) Get(_ context.Context, token string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Mutate(ctx context.Context, token string, fn MutateFunc) (*domain.Session, error) {
	unlock := m.locks.Lock(token)
	defer unlock()

	current, err := m.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrSessionNotFound()
	}

	next := current.Clone()
	events, persist, err := applyMutation(next, fn)
	if !persist {
		if err != nil {
			return nil, err
		}
		return current, nil
	}

	m.mu.Lock()
	m.sessions[token] = next.Clone()
	m.mu.Unlock()

	if sinkErr := appendEvents(ctx, m.sink, events); sinkErr != nil && err == nil {
		err = sinkErr
	}
	return next, err
}

func (m *MemorySessionStore) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]domain.Session, error) {
	m.mu.RLock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.IdentityID == identityID {
			cp := *s.Clone()
			cp.Activity = nil
			out = append(out, cp)
		}
	}
	m.mu.RUnlock()

	sortByStartDesc(out)
	return out, nil
}

func (m *MemorySessionStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []string
	for token, s := range m.sessions {
		if len(tokens) >= limit {
			break
		}
		if s.IsActive() && now.After(s.ExpiresAt) {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// MemoryChallengeStore is an in-memory ChallengeStore.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]domain.Challenge
	now        func() time.Time
}

// NewMemoryChallengeStore creates an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[uuid.UUID]domain.Challenge), now: time.Now}
}

func (m *MemoryChallengeStore) Save(_ context.Context, c *domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[c.ID] = *c
	return nil
}

func (m *MemoryChallengeStore) Get(_ context.Context, id uuid.UUID) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, nil
	}
	if c.Expired(m.now()) {
		delete(m.challenges, id)
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryChallengeStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, id)
	return nil
}

func sortByStartDesc(sessions []domain.Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
}

func appendEvents(ctx context.Context, sink EventSink, events []domain.OutboxDraft) error {
	if sink == nil || len(events) == 0 {
		return nil
	}
	return sink.Append(ctx, events...)
}
