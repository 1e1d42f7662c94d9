package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testService() *Service {
	return NewService("test-secret-key", 24*time.Hour)
}

func TestIssueAndValidateJWT(t *testing.T) {
	svc := testService()

	token, err := svc.IssueToken("ops@shop")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := svc.ValidateJWT(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}

	if claims.Subject != "ops@shop" {
		t.Errorf("subject = %q, want %q", claims.Subject, "ops@shop")
	}
	if claims.Scope != AdminScope {
		t.Errorf("scope = %q, want %q", claims.Scope, AdminScope)
	}
	diff := claims.ExpiresAt.Sub(claims.IssuedAt)
	if diff < 23*time.Hour || diff > 25*time.Hour {
		t.Errorf("token TTL = %v, want ~24h", diff)
	}
}

func TestIssueToken_EmptySubject(t *testing.T) {
	if _, err := testService().IssueToken("  "); err != ErrNoSubject {
		t.Errorf("expected ErrNoSubject, got %v", err)
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	svc := testService()
	token, err := svc.IssueToken("ops")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if _, err := svc.ValidateJWT(context.Background(), token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_Malformed(t *testing.T) {
	svc := testService()
	_, err := svc.ValidateJWT(context.Background(), "not-a-jwt")
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	other := NewService("wrong-secret", time.Hour)
	tokenStr, _ := other.IssueToken("ops")

	_, err := testService().ValidateJWT(context.Background(), tokenStr)
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_MissingScope(t *testing.T) {
	svc := testService()
	claims := jwt.MapClaims{
		"sub": "ops",
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tokenStr, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(svc.jwtSecret)

	if _, err := svc.ValidateJWT(context.Background(), tokenStr); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTMiddleware_NoHeader(t *testing.T) {
	svc := testService()
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error.Code != "UNAUTHORIZED" {
		t.Errorf("unexpected error body %+v (%v)", body, err)
	}
}

func TestJWTMiddleware_ValidTokenAndWhoAmI(t *testing.T) {
	svc := testService()
	tokenStr, _ := svc.IssueToken("ops")

	handler := svc.JWTMiddleware(http.HandlerFunc(NewHandler().HandleWhoAmI))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Claims
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Subject != "ops" || got.Scope != AdminScope {
		t.Errorf("unexpected claims %+v", got)
	}
}

func TestJWTMiddleware_InvalidToken(t *testing.T) {
	svc := testService()
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWhoAmI_WithoutMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler().HandleWhoAmI(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestClaimsFromContext_NoClaims(t *testing.T) {
	claims := ClaimsFromContext(context.Background())
	if claims != nil {
		t.Errorf("expected nil claims, got %+v", claims)
	}
}
