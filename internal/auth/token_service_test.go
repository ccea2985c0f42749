package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"pgregory.net/rapid"
)

func newTestTokenService() *TokenService {
	return NewTokenService(TokenServiceConfig{
		AccessSecret:      "test-access-secret-key-32-chars!",
		AccessTokenExpiry: 15 * time.Minute,
		Issuer:            "test-issuer",
	})
}

// For any generated access token, exp is 15 minutes after iat and the token
// validates against the same service.
func TestProperty_TokenExpirationCorrectness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		userID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "userID")
		username := rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "username")

		svc := newTestTokenService()
		beforeGeneration := time.Now()

		token, err := svc.GenerateAccessToken(userID, username, "admin")
		if err != nil {
			t.Fatalf("failed to generate access token: %v", err)
		}
		afterGeneration := time.Now()

		claims, err := svc.ValidateAccessToken(token)
		if err != nil {
			t.Fatalf("failed to validate access token: %v", err)
		}

		actual := claims.ExpiresAt.Time
		if actual.Before(beforeGeneration.Add(15*time.Minute).Add(-time.Second)) ||
			actual.After(afterGeneration.Add(15*time.Minute).Add(time.Second)) {
			t.Errorf("access token expiry incorrect: got %v", actual)
		}
		if claims.IssuedAt == nil {
			t.Error("access token missing iat claim")
		}
	})
}

// For any generated token, the JWT is HS256 signed and carries sub, role,
// username, iat, exp and type.
func TestProperty_JWTStructureCorrectness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		userID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "userID")
		username := rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "username")
		role := rapid.SampledFrom([]string{"admin", "user", "readonly"}).Draw(t, "role")

		svc := newTestTokenService()
		accessToken, err := svc.GenerateAccessToken(userID, username, role)
		if err != nil {
			t.Fatalf("failed to generate access token: %v", err)
		}

		parser := jwt.NewParser()
		token, _, err := parser.ParseUnverified(accessToken, &Claims{})
		if err != nil {
			t.Fatalf("failed to parse access token: %v", err)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("expected HS256 signing method, got %s", token.Method.Alg())
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			t.Fatal("failed to cast claims")
		}
		if claims.UserID() != userID {
			t.Errorf("sub claim mismatch: expected %s, got %s", userID, claims.UserID())
		}
		if claims.Username != username || claims.Role != role {
			t.Errorf("username/role mismatch: got %s/%s", claims.Username, claims.Role)
		}
		if claims.IssuedAt == nil || claims.ExpiresAt == nil {
			t.Error("iat or exp claim is missing")
		}
		if claims.Type != AccessTokenType {
			t.Errorf("type claim mismatch: expected %s, got %s", AccessTokenType, claims.Type)
		}
		if parts := strings.Split(accessToken, "."); len(parts) != 3 {
			t.Errorf("access token should have 3 parts, got %d", len(parts))
		}
	})
}

func TestValidateAccessToken_Rejects(t *testing.T) {
	svc := newTestTokenService()
	valid, err := svc.GenerateAccessToken("6f1c1f7e-8d5a-4d53-9a57-0f0e7c5d8b11", "alice", "admin")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenService(TokenServiceConfig{AccessSecret: "another-secret-another-secret-!!", AccessTokenExpiry: time.Minute, Issuer: "test-issuer"})
		if _, err := other.ValidateAccessToken(valid); err == nil {
			t.Error("expected signature error")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokenService(TokenServiceConfig{AccessSecret: "test-access-secret-key-32-chars!", AccessTokenExpiry: time.Minute, Issuer: "elsewhere"})
		if _, err := other.ValidateAccessToken(valid); err == nil {
			t.Error("expected issuer error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		later := newTestTokenService()
		later.now = func() time.Time { return time.Now().Add(time.Hour) }
		if _, err := later.ValidateAccessToken(valid); err == nil {
			t.Error("expected expiry error")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := svc.ValidateAccessToken("not.a.jwt"); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		claims := Claims{
			Role: "admin",
			Type: "refresh",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "test-issuer",
				Subject:   "6f1c1f7e-8d5a-4d53-9a57-0f0e7c5d8b11",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-access-secret-key-32-chars!"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := svc.ValidateAccessToken(signed); err == nil {
			t.Error("expected token type error")
		}
	})
}
