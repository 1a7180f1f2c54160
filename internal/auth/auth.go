// Package auth verifies Clerk session tokens (RS256 JWTs) on protected
// routes.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/envelope"
)

// SessionCookie is the cookie Clerk stores the session token in.
const SessionCookie = "__session"

var (
	ErrMissingToken = errors.New("missing session token")
	ErrNoKey        = errors.New("CLERK_JWT_KEY is not set")
)

type Config struct {
	Development bool
	Production  bool
	// JWTKey is the PEM-encoded RSA public key for the Clerk instance.
	JWTKey            string
	AuthorizedParties []string
	// PublicRoutes are regular expressions matched against the whole path.
	PublicRoutes []string
	// BypassForTests disables verification in development only.
	BypassForTests bool
}

// Claims are the Clerk session token claims used here.
type Claims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	SessionID       string `json:"sid,omitempty"`
}

type Authenticator struct {
	key      *rsa.PublicKey
	parties  []string
	public   []*regexp.Regexp
	disabled bool
	rs       *envelope.Responder
	log      *zap.Logger
	now      func() time.Time
}

// New builds the authenticator. In production a missing key is an error; in
// development and test it disables verification with a warning.
func New(cfg Config, rs *envelope.Responder, log *zap.Logger) (*Authenticator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Authenticator{parties: cfg.AuthorizedParties, rs: rs, log: log, now: time.Now}

	for _, p := range cfg.PublicRoutes {
		re, err := regexp.Compile("^" + p + "$")
		if err != nil {
			return nil, fmt.Errorf("public route %q: %w", p, err)
		}
		a.public = append(a.public, re)
	}

	if cfg.Development && cfg.BypassForTests {
		log.Warn("authentication bypassed for browser tests (PLAYWRIGHT_TESTING=true)")
		a.disabled = true
		return a, nil
	}

	if strings.TrimSpace(cfg.JWTKey) == "" {
		if cfg.Production {
			return nil, ErrNoKey
		}
		log.Warn("CLERK_JWT_KEY not set; authentication disabled")
		a.disabled = true
		return a, nil
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(normalizePEM(cfg.JWTKey)))
	if err != nil {
		return nil, fmt.Errorf("parse CLERK_JWT_KEY: %w", err)
	}
	a.key = key
	return a, nil
}

func (a *Authenticator) Disabled() bool { return a.disabled }

// IsPublic reports whether path skips authentication.
func (a *Authenticator) IsPublic(path string) bool {
	for _, re := range a.public {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Middleware rejects requests to protected routes without a valid token:
// 401 for missing or invalid tokens, 403 for an unauthorized azp.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled || r.Method == http.MethodOptions || a.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.Verify(tokenFrom(r))
		if err != nil {
			if errors.Is(err, errForbiddenParty) {
				a.log.Info("token from unauthorized party", zap.String("azp", claims.AuthorizedParty), zap.String("path", r.URL.Path))
				a.rs.Forbidden(w, "")
				return
			}
			a.log.Debug("rejecting request", zap.String("path", r.URL.Path), zap.Error(err))
			a.rs.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

var errForbiddenParty = errors.New("authorized party not permitted")

// Verify parses and validates a session token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return &Claims{}, ErrMissingToken
	}
	if a.key == nil {
		return &Claims{}, ErrNoKey
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return claims, err
	}
	if claims.AuthorizedParty != "" && len(a.parties) > 0 && !slices.Contains(a.parties, claims.AuthorizedParty) {
		return claims, errForbiddenParty
	}
	return claims, nil
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// normalizePEM accepts keys pasted into env files with literal \n escapes.
func normalizePEM(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the verified claims, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// UserID returns the token subject, or "" for unauthenticated requests.
func UserID(ctx context.Context) string {
	if c, ok := ClaimsFrom(ctx); ok {
		return c.Subject
	}
	return ""
}
