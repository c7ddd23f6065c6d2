/*
auth.go - Bearer token authentication

PURPOSE:
  Tokens are HS256 JWTs issued by the identity provider. The claims carry
  the caller's user id and role; handlers only ever trust these, never ids
  in request bodies.

MIDDLEWARE:
  Authenticate  parses the token when present, 401 when it is invalid
  RequireUser   401 for anonymous callers
  RequireAdmin  403 unless role=admin

A caller may act on itself; an admin may act on anyone (see actAs).
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/affiliate-ledger/ledger"
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) admin() bool { return ledger.Role(c.Role) == ledger.RoleAdmin }

type Auth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuth(secret string, ttl time.Duration) *Auth {
	return &Auth{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID. The service only issues tokens for local
// development and tests.
func (a *Auth) Issue(userID ledger.UserID, role ledger.Role) (string, error) {
	now := a.now()
	claims := Claims{
		UserID: string(userID),
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "affiliate-ledger",
			Subject:   string(userID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates token and returns its claims.
func (a *Auth) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticate attaches the bearer token's claims to the request context.
// Requests without a token pass through anonymously.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", errors.New("expected a bearer token"))
			return
		}
		claims, err := a.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := claimsFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := claimsFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", errUnauthorized)
			return
		}
		if !c.admin() {
			writeError(w, http.StatusForbidden, "Forbidden", errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actAs checks the caller may act on userID.
func actAs(r *http.Request, userID ledger.UserID) error {
	c, ok := claimsFrom(r.Context())
	if !ok {
		return errUnauthorized
	}
	if c.admin() || ledger.UserID(c.UserID) == userID {
		return nil
	}
	return errForbidden
}

// caller returns the authenticated user id. RequireUser guarantees it exists.
func caller(r *http.Request) ledger.UserID {
	c, _ := claimsFrom(r.Context())
	if c == nil {
		return ""
	}
	return ledger.UserID(c.UserID)
}
