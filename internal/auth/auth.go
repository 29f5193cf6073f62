// Package auth resolves callers to recipient scopes. Bearer tokens are HS256
// JWTs whose subject is the user id and whose "role" claim names the role.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/raulk/clock"

	"datagate/internal/model"
	"datagate/internal/service"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	userPrefix = "user:"
	rolePrefix = "role:"
)

func UserScope(userID string) string { return userPrefix + userID }
func RoleScope(role string) string   { return rolePrefix + role }

type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// Scopes lists every recipient scope the principal may read.
func (p Principal) Scopes() []string {
	scopes := []string{UserScope(p.UserID)}
	if p.Role != "" {
		scopes = append(scopes, RoleScope(p.Role))
	}
	return scopes
}

func (p Principal) CanRead(scope string) bool {
	for _, s := range p.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

type Verifier struct {
	secret []byte
	clock  clock.Clock
}

func NewVerifier(secret string, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{secret: []byte(secret), clock: clk}
}

// Issue signs a token for userID. The gateway never issues identities; this
// serves operators and tests.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token or an "Authorization: Bearer" header value.
func (v *Verifier) Verify(raw string) (Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}
	token, err := jwtlib.ParseWithClaims(raw, &Claims{}, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Policy notifies the dataset owner and every role in notifyRoles.
func Policy(notifyRoles []string) service.ScopePolicy {
	roles := make([]string, 0, len(notifyRoles))
	for _, r := range notifyRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, RoleScope(r))
		}
	}
	return func(ds model.Dataset) []string {
		return append([]string{UserScope(ds.OwnerID)}, roles...)
	}
}
