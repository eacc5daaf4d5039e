package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJWTManager() *JWTManager {
	return NewJWTManager("test-secret-key", 24*time.Hour, 5*time.Minute)
}

func TestGenerateAndValidateIdentityToken(t *testing.T) {
	mgr := newTestJWTManager()
	identityID := uuid.New()

	token, err := mgr.GenerateToken(identityID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := mgr.ValidateTokenForRealm(token, RealmIdentity)
	require.NoError(t, err)
	assert.Equal(t, identityID.String(), claims.Subject)
	assert.Equal(t, RealmIdentity, claims.Realm)
	assert.Equal(t, "alice", claims.Username)
	assert.Empty(t, claims.ChallengeID)
}

func TestGenerateAndValidateMFAToken(t *testing.T) {
	mgr := newTestJWTManager()
	identityID := uuid.New()
	challengeID := uuid.New()

	token, err := mgr.GenerateMFAToken(identityID, challengeID)
	require.NoError(t, err)

	claims, err := mgr.ValidateTokenForRealm(token, RealmMFA)
	require.NoError(t, err)
	assert.Equal(t, RealmMFA, claims.Realm)
	assert.Equal(t, challengeID.String(), claims.ChallengeID)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestRealmMismatchRejected(t *testing.T) {
	mgr := newTestJWTManager()

	token, err := mgr.GenerateMFAToken(uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = mgr.ValidateTokenForRealm(token, RealmIdentity)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expected realm identity")
}

func TestInvalidSecretRejected(t *testing.T) {
	mgr1 := NewJWTManager("secret-1", 24*time.Hour, time.Minute)
	mgr2 := NewJWTManager("secret-2", 24*time.Hour, time.Minute)

	token, err := mgr1.GenerateToken(uuid.New(), "")
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	mgr := NewJWTManager("secret", 1*time.Millisecond, 1*time.Millisecond)

	token, err := mgr.GenerateToken(uuid.New(), "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestMissingExpiryRejected(t *testing.T) {
	mgr := NewJWTManager("secret", time.Hour, 0)

	_, err := mgr.GenerateMFAToken(uuid.New(), uuid.New())
	assert.Error(t, err)
}
