// Package auth turns HS256 bearer tokens into synckit.AuthContext values.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/synckit"
)

// AllMarketplaces in the marketplaces claim grants access to every marketplace.
const AllMarketplaces = "*"

const issuer = "marketsync"

// Claims are the JWT claims understood by marketsync.
type Claims struct {
	Marketplaces []string `json:"marketplaces"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller. It implements synckit.AuthContext.
type Principal struct {
	subject      string
	marketplaces []string
}

var _ synckit.AuthContext = Principal{}

// NewPrincipal builds a Principal directly, for in-process callers and tests.
func NewPrincipal(subject string, marketplaces ...string) Principal {
	return Principal{subject: subject, marketplaces: slices.Clone(marketplaces)}
}

func (p Principal) Subject() string { return p.subject }

func (p Principal) Authorized(marketplaceID string) bool {
	return slices.Contains(p.marketplaces, AllMarketplaces) || slices.Contains(p.marketplaces, marketplaceID)
}

// Marketplaces returns the granted marketplace ids.
func (p Principal) Marketplaces() []string {
	return slices.Clone(p.marketplaces)
}

// JWTManager issues and validates tokens signed with a shared secret.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	now           func() time.Time
}

// NewJWTManager creates a JWT manager. tokenDuration bounds the tokens it issues.
func NewJWTManager(secretKey string, tokenDuration time.Duration) (*JWTManager, error) {
	if len(secretKey) < 16 {
		return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("auth"), syncErrors.KindConfig, "jwt secret must be at least 16 bytes")
	}
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		now:           time.Now,
	}, nil
}

// GenerateToken signs a token for subject with access to marketplaces.
func (m *JWTManager) GenerateToken(subject string, marketplaces ...string) (string, error) {
	now := m.now()
	claims := &Claims{
		Marketplaces: marketplaces,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// ValidateToken verifies tokenString and returns its principal. Failures
// carry KindUnauthorized.
func (m *JWTManager) ValidateToken(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Principal{}, unauthorized(err)
	}
	if !token.Valid {
		return Principal{}, unauthorized(fmt.Errorf("invalid token"))
	}
	if claims.Subject == "" {
		return Principal{}, unauthorized(fmt.Errorf("token has no subject"))
	}
	return NewPrincipal(claims.Subject, claims.Marketplaces...), nil
}

func unauthorized(err error) error {
	return syncErrors.E(syncErrors.Op("auth.ValidateToken"), syncErrors.Component("auth"), syncErrors.KindUnauthorized, err)
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Middleware rejects requests without a valid token. The token is read from
// the Authorization header, or from the access_token query parameter for
// EventSource and WebSocket clients that cannot set headers.
func (m *JWTManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		p, err := m.ValidateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}
