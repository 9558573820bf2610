package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrSecretNotSet = errors.New("JWT secret not set")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims is the JWT payload. ActorID is optional and identifies the user
// acting on behalf of the tenant.
type Claims struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and validates HS256 tokens for tenant callers.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrSecretNotSet
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken creates a signed JWT for the given tenant. actorID may be
// uuid.Nil for service-to-service calls.
func (s *Signer) GenerateToken(tenantID, actorID uuid.UUID) (string, error) {
	now := s.now()
	claims := Claims{
		TenantID: tenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if actorID != uuid.Nil {
		claims.ActorID = actorID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses and verifies a JWT string
func (s *Signer) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	if _, err := uuid.Parse(claims.TenantID); err != nil {
		return nil, fmt.Errorf("%w: tenant_id is not a UUID", ErrInvalidToken)
	}
	if claims.ActorID != "" {
		if _, err := uuid.Parse(claims.ActorID); err != nil {
			return nil, fmt.Errorf("%w: actor_id is not a UUID", ErrInvalidToken)
		}
	}
	return claims, nil
}
