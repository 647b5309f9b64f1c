// Package auth issues and validates operator access tokens for the jobwatch
// API.
//
// Tokens are HS256 JWTs signed with a server-side key. They carry the
// operator id as subject and expire after AccessTokenExpiry unless the
// service is configured otherwise. There are no refresh tokens; operators
// mint a new token with `jobwatch -issue-token`.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// AccessTokenExpiry is the default lifetime of operator tokens.
const AccessTokenExpiry = 12 * time.Hour

// Predefined JWT errors.
var (
	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrAccessTokenExpired = errors.New("access token has expired")
	ErrEmptyOperatorID    = errors.New("operator id is required")
	ErrWeakSigningKey     = errors.New("signing key must be at least 32 bytes")
)

// minSigningKeyLen is the HS256 key size.
const minSigningKeyLen = 32

// Claims represents the claims in operator access tokens.
type Claims struct {
	jwt.RegisteredClaims

	// OperatorID is the authenticated operator.
	OperatorID string `json:"oid"`
}

// JWTConfig holds configuration for the JWT service.
type JWTConfig struct {
	// SigningKey is the secret key used to sign JWTs.
	SigningKey string

	// Issuer is the issuer claim for tokens.
	// Default: "jobwatch"
	Issuer string

	// Audience is the audience claim for tokens.
	// Default: "jobwatch-api"
	Audience string

	// TTL is the token lifetime.
	// Default: AccessTokenExpiry
	TTL time.Duration

	// Clock is used for issue and expiry times. Default: real clock.
	Clock clockwork.Clock
}

// JWTService handles JWT creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
	clock      clockwork.Clock
}

// NewJWTService creates a new JWT service.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if len(cfg.SigningKey) < minSigningKeyLen {
		return nil, ErrWeakSigningKey
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "jobwatch"
	}
	if cfg.Audience == "" {
		cfg.Audience = "jobwatch-api"
	}
	if cfg.TTL == 0 {
		cfg.TTL = AccessTokenExpiry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		ttl:        cfg.TTL,
		clock:      cfg.Clock,
	}, nil
}

// GenerateAccessToken creates a new access token for operatorID.
func (s *JWTService) GenerateAccessToken(operatorID string) (string, time.Time, error) {
	if operatorID == "" {
		return "", time.Time{}, ErrEmptyOperatorID
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operatorID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		OperatorID: operatorID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateAccessToken validates an access token and returns its claims.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrAccessTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidAccessToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return nil, ErrInvalidAccessToken
	}

	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
