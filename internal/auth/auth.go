// Package auth issues and verifies the bearer tokens guarding the admin API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired JWT token")
	ErrNoSubject    = errors.New("auth: subject is required")
)

// AdminScope is the only scope the service grants.
const AdminScope = "admin"

// Claims holds the operator information extracted from a JWT.
type Claims struct {
	Subject   string    `json:"subject"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service signs and validates HS256 tokens.
type Service struct {
	jwtSecret []byte
	jwtTTL    time.Duration
	now       func() time.Time
}

// NewService creates a new auth service. A zero ttl means 24 hours.
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    ttl,
		now:       time.Now,
	}
}

// IssueToken creates a signed admin token for subject (an operator name).
func (s *Service) IssueToken(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrNoSubject
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": AdminScope,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies a JWT token and returns its claims.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)
	if subject == "" || scope != AdminScope {
		return nil, ErrInvalidToken
	}

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:   subject,
		Scope:     scope,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// --- JWT Middleware ---

type contextKey string

const claimsKey contextKey = "claims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects Claims into the request context.
// Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext extracts Claims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
