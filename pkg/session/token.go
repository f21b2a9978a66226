package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenClaims are the claims carried by a connection token. The token id
// (jti) doubles as the route key: retracting the route revokes the token
// without any shared revocation list.
type TokenClaims struct {
	SessionID string `json:"sid"`
	Owner     string `json:"owner"`
	NodeID    string `json:"nid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 connection tokens.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer creates a token issuer. ttl bounds a token's lifetime as a
// backstop; route retraction is the primary revocation mechanism.
func NewTokenIssuer(signingKey string, ttl time.Duration) (*TokenIssuer, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("token signing key is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: []byte(signingKey), ttl: ttl}, nil
}

// Mint issues a connection token for an activated session and returns the
// signed token together with its token id.
func (ti *TokenIssuer) Mint(sessionID, owner, nodeID string) (string, string, error) {
	tokenID := uuid.New().String()
	now := time.Now()

	claims := TokenClaims{
		SessionID: sessionID,
		Owner:     owner,
		NodeID:    nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign connection token: %w", err)
	}
	return signed, tokenID, nil
}

// Verify parses and validates a connection token.
func (ti *TokenIssuer) Verify(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid connection token: %w", err)
	}
	if !parsed.Valid || claims.ID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid connection token: missing claims")
	}
	return claims, nil
}
