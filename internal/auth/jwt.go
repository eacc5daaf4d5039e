package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Realm identifies the JWT authentication realm.
type Realm string

const (
	// RealmIdentity tokens authenticate a user to identity-level endpoints.
	RealmIdentity Realm = "identity"
	// RealmMFA tokens only unlock second-factor verification of one challenge.
	RealmMFA Realm = "mfa"
)

// Claims holds the custom JWT claims for both realms.
type Claims struct {
	jwt.RegisteredClaims
	Realm       Realm  `json:"realm"`
	Username    string `json:"username,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"` // mfa realm only
}

// JWTManager handles token generation and validation.
type JWTManager struct {
	secret         []byte
	identityExpiry time.Duration
	mfaExpiry      time.Duration
}

// NewJWTManager creates a JWT manager with realm-specific expiry durations.
func NewJWTManager(secret string, identityExpiry, mfaExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secret:         []byte(secret),
		identityExpiry: identityExpiry,
		mfaExpiry:      mfaExpiry,
	}
}

// GenerateToken creates a signed identity-realm JWT for the given subject.
func (m *JWTManager) GenerateToken(subjectID uuid.UUID, username string) (string, error) {
	return m.sign(RealmIdentity, m.identityExpiry, subjectID, username, "")
}

// GenerateMFAToken creates a short-lived token bound to a pending challenge.
func (m *JWTManager) GenerateMFAToken(subjectID uuid.UUID, challengeID uuid.UUID) (string, error) {
	return m.sign(RealmMFA, m.mfaExpiry, subjectID, "", challengeID.String())
}

func (m *JWTManager) sign(realm Realm, expiry time.Duration, subjectID uuid.UUID, username, challengeID string) (string, error) {
	if expiry <= 0 {
		return "", fmt.Errorf("no expiry configured for realm: %s", realm)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			ID:        uuid.New().String(),
		},
		Realm:       realm,
		Username:    username,
		ChallengeID: challengeID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a JWT, returning claims if valid.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// ValidateTokenForRealm validates a token and ensures it belongs to the expected realm.
func (m *JWTManager) ValidateTokenForRealm(tokenString string, expectedRealm Realm) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Realm != expectedRealm {
		return nil, fmt.Errorf("expected realm %s, got %s", expectedRealm, claims.Realm)
	}
	return claims, nil
}
