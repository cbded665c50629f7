package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	requests   atomic.Int64
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	fixture := &jwksFixture{privateKey: privateKey}
	jwksResponse := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "test-key",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}},
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.requests.Add(1)
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signedToken
}

func (f *jwksFixture) verifier(t *testing.T) *OIDCVerifier {
	t.Helper()
	verifier, err := NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        f.server.URL,
		AllowedIssuers: []string{"https://idp.example.com"},
		HTTPClient:     f.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func TestOIDCVerifierValidatesTokenUsingJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud":  "test-client",
		"iss":  "https://idp.example.com",
		"sub":  "user-123",
		"name": "Ada Lovelace",
		"exp":  now.Add(5 * time.Minute).Unix(),
		"iat":  now.Unix(),
	})

	identity, err := fixture.verifier(t).Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if identity.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", identity.Subject)
	}
	if identity.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected display name %s", identity.DisplayName)
	}
}

func TestOIDCVerifierCachesKeySet(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		signedToken := fixture.signToken(t, jwt.MapClaims{
			"aud": "test-client",
			"iss": "https://idp.example.com",
			"sub": "user-123",
			"exp": now.Add(5 * time.Minute).Unix(),
			"iat": now.Unix(),
		})
		if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
			t.Fatalf("verification %d failed: %v", i, err)
		}
	}

	if got := fixture.requests.Load(); got != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", got)
	}
}

func TestOIDCVerifierRejectsInvalidAudience(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud": "unexpected-client",
		"iss": "https://idp.example.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	if _, err := fixture.verifier(t).Verify(context.Background(), signedToken); err == nil {
		t.Fatalf("expected verification to fail for mismatched audience")
	}
}

func TestOIDCVerifierRejectsUntrustedIssuer(t *testing.T) {
	fixture := newJWKSFixture(t)
	now := time.Now().UTC()
	signedToken := fixture.signToken(t, jwt.MapClaims{
		"aud": "test-client",
		"iss": "https://evil.example.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	if _, err := fixture.verifier(t).Verify(context.Background(), signedToken); !errors.Is(err, errUntrustedIssuer) {
		t.Fatalf("expected untrusted issuer error, got %v", err)
	}
}

func TestNewOIDCVerifierValidatesConfig(t *testing.T) {
	_, err := NewOIDCVerifier(OIDCVerifierConfig{
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"https://idp.example.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}

	_, err = NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        " ",
		AllowedIssuers: []string{"https://idp.example.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}

	_, err = NewOIDCVerifier(OIDCVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"", "   "},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
}
