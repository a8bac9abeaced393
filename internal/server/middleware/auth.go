package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in API tokens.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims are the JWT claims the API accepts. OrgID scopes the token to one
// organization; an admin token without OrgID may act on every organization.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	OrgID   string
	Role    string
}

// CanAccess reports whether p may act on orgID.
func (p Principal) CanAccess(orgID string) bool {
	if p.OrgID == "" {
		return p.Role == RoleAdmin
	}
	return p.OrgID == orgID
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by Auth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// AuthConfig configures Auth. With neither secret nor key set every request
// runs as an unscoped admin, which only suits local development.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	// APIKey is a static operator key granting admin on every organization.
	APIKey string
	// Public paths skip authentication.
	Public []string
}

// Auth returns middleware that authenticates requests with an HS256 bearer
// token, or with the static key in X-API-Key.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(cfg.Public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.JWTSecret == "" && cfg.APIKey == "" {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Role: RoleAdmin})))
				return
			}

			if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" && cfg.APIKey != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
					writeError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "api-key", Role: RoleAdmin})))
				return
			}

			token := bearerToken(r)
			if token == "" || cfg.JWTSecret == "" {
				writeError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			claims, err := ParseToken(token, cfg.JWTSecret, cfg.Issuer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			p := Principal{Subject: claims.Subject, OrgID: claims.OrgID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(token, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.Role == "" {
		return nil, errors.New("token has no role")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject. It backs the CLI's token
// command and the tests.
func IssueToken(secret, issuer, subject, orgID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		OrgID: orgID,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// OrgScope rejects requests whose principal may not act on the {org} path
// value. It must wrap a handler registered on a pattern containing {org}.
func OrgScope(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.CanAccess(r.PathValue("org")) {
			writeError(w, http.StatusForbidden, "organization not accessible")
			return
		}
		next(w, r)
	}
}

// RequireRole rejects principals without role. Admins pass every check.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || (p.Role != role && p.Role != RoleAdmin) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func isPublic(paths []string, p string) bool {
	for _, pub := range paths {
		if p == pub {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
