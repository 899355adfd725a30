package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pressline.org/internal/obs"
)

// DefaultTokenTTL is the lifetime of an issued bearer token.
const DefaultTokenTTL = 7 * 24 * time.Hour

// Claims are the signed contents of a bearer token.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c Claims) UserID() string { return c.Subject }

// IssuedToken is a signed token together with its session binding.
type IssuedToken struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// TokenService signs and verifies HS256 tokens with an injected secret.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService) error

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) TokenOption {
	return func(s *TokenService) error {
		iss = strings.TrimSpace(iss)
		if iss == "" {
			return errors.New("auth: issuer is empty")
		}
		s.issuer = iss
		return nil
	}
}

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("auth: token ttl must be positive")
		}
		s.ttl = ttl
		return nil
	}
}

// WithTokenClock injects the time source used for iat, exp and validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if now == nil {
			return errors.New("auth: clock is nil")
		}
		s.now = now
		return nil
	}
}

// NewTokenService builds a token service. An empty secret is a startup
// error; the service never falls back to a built-in key.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	s := &TokenService{
		secret: []byte(secret),
		issuer: "pressline",
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue signs a token for userID bound to sessionID.
func (s *TokenService) Issue(userID, sessionID string) (IssuedToken, error) {
	userID = strings.TrimSpace(userID)
	sid := strings.TrimSpace(sessionID)
	if userID == "" || sid == "" {
		return IssuedToken{}, fmt.Errorf("%w: user id and session id are required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, SessionID: sid, ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm, issuer and expiry. Every failure is
// reported as ErrInvalidToken.
func (s *TokenService) Verify(token string) (Claims, error) {
	claims, err := s.verify(token)
	if err != nil {
		obs.TokenVerifications.WithLabelValues("invalid").Inc()
		return Claims{}, ErrInvalidToken
	}
	obs.TokenVerifications.WithLabelValues("valid").Inc()
	return claims, nil
}

func (s *TokenService) verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
