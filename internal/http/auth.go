package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in analyst tokens.
const (
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

// Principal is the caller identity of one request. It lives only in the
// request context.
type Principal struct {
	Subject string
	Role    string
}

// Claims are the JWT claims issued to analysts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// PrincipalFrom returns the principal attached by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticator validates HS256 bearer tokens. A zero secret disables
// authentication and every caller is treated as an anonymous admin.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (a *Authenticator) Enabled() bool { return a != nil && len(a.secret) > 0 }

var errMissingToken = errors.New("missing bearer token")

// Authenticate parses the bearer token of r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.Enabled() {
		return Principal{Subject: "anonymous", Role: RoleAdmin}, nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, errMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid bearer token: %w", err)
	}
	role := claims.Role
	if role == "" {
		role = RoleAnalyst
	}
	return Principal{Subject: claims.Subject, Role: role}, nil
}

// Issue signs a token for subject; used by operators and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Require rejects requests without a valid token, or whose role is not one
// of roles when roles are given.
func (a *Authenticator) Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="goproctor"`)
				writeError(w, http.StatusUnauthorized, err.Error(), nil)
				return
			}
			if len(roles) > 0 && !hasRole(p, roles) {
				writeError(w, http.StatusForbidden, "role "+p.Role+" may not access this resource", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func hasRole(p Principal, roles []string) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
