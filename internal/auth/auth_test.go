package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/catalyst/internal/envelope"
)

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func validClaims() Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_123",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		AuthorizedParty: "https://app.example",
	}
}

func protected(t *testing.T, cfg Config) (http.Handler, *Authenticator) {
	t.Helper()
	a, err := New(cfg, envelope.NewResponder(false, nil), nil)
	require.NoError(t, err)
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r.Context())))
	})), a
}

func do(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	key, pub := newKey(t)
	h, _ := protected(t, Config{
		Production:        true,
		JWTKey:            pub,
		AuthorizedParties: []string{"https://app.example"},
		PublicRoutes:      []string{"/sign-in(.*)", "/healthz"},
	})

	t.Run("valid token", func(t *testing.T) {
		rec := do(h, "/api/tasks", sign(t, key, jwt.SigningMethodRS256, validClaims()))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user_123", rec.Body.String())
	})

	t.Run("missing token", func(t *testing.T) {
		rec := do(h, "/api/tasks", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Unauthorized", body["error"])
	})

	t.Run("expired token", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		assert.Equal(t, http.StatusUnauthorized, do(h, "/api/tasks", sign(t, key, jwt.SigningMethodRS256, c)).Code)
	})

	t.Run("no expiry", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = nil
		assert.Equal(t, http.StatusUnauthorized, do(h, "/api/tasks", sign(t, key, jwt.SigningMethodRS256, c)).Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := newKey(t)
		assert.Equal(t, http.StatusUnauthorized, do(h, "/api/tasks", sign(t, other, jwt.SigningMethodRS256, validClaims())).Code)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do(h, "/api/tasks", sign(t, key, jwt.SigningMethodRS512, validClaims())).Code)
	})

	t.Run("unauthorized party", func(t *testing.T) {
		c := validClaims()
		c.AuthorizedParty = "https://evil.example"
		assert.Equal(t, http.StatusForbidden, do(h, "/api/tasks", sign(t, key, jwt.SigningMethodRS256, c)).Code)
	})

	t.Run("public routes", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(h, "/healthz", "").Code)
		assert.Equal(t, http.StatusOK, do(h, "/sign-in", "").Code)
		assert.Equal(t, http.StatusOK, do(h, "/sign-in/factor-one", "").Code)
		assert.Equal(t, http.StatusUnauthorized, do(h, "/healthz/extra", "").Code)
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sign(t, key, jwt.SigningMethodRS256, validClaims())})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNewWithoutKey(t *testing.T) {
	_, err := New(Config{Production: true}, envelope.NewResponder(false, nil), nil)
	assert.ErrorIs(t, err, ErrNoKey)

	h, a := protected(t, Config{Development: true})
	assert.True(t, a.Disabled())
	assert.Equal(t, http.StatusOK, do(h, "/api/tasks", "").Code)
}

func TestBypassOnlyInDevelopment(t *testing.T) {
	_, pub := newKey(t)

	_, a := protected(t, Config{Development: true, BypassForTests: true, JWTKey: pub})
	assert.True(t, a.Disabled())

	h, a := protected(t, Config{Production: true, BypassForTests: true, JWTKey: pub})
	assert.False(t, a.Disabled())
	assert.Equal(t, http.StatusUnauthorized, do(h, "/api/tasks", "").Code)
}

func TestKeyWithEscapedNewlines(t *testing.T) {
	_, pub := newKey(t)
	escaped := strings.ReplaceAll(pub, "\n", `\n`)
	_, err := New(Config{JWTKey: escaped}, envelope.NewResponder(false, nil), nil)
	assert.NoError(t, err)

	_, err = New(Config{JWTKey: "not a pem"}, envelope.NewResponder(false, nil), nil)
	assert.Error(t, err)
}

func TestBadPublicRoute(t *testing.T) {
	_, err := New(Config{PublicRoutes: []string{"/sign-in(("}}, envelope.NewResponder(false, nil), nil)
	assert.Error(t, err)
}
