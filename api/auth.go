/*
auth.go - Identity middleware

PURPOSE:
  Turns a bearer token into a workflow.Identity. Tokens are HS256 JWTs
  issued by the identity provider; this service only verifies them.

  The subject claim is the user id. Profile claims (name, email, mobile,
  picture) are used to provision the user on first sight; afterwards the
  stored record wins, so roles always come from the ledger, never from the
  token.

TOKEN SOURCES:
  1. Authorization: Bearer <token>
  2. ?token=<token>  (browsers cannot set headers on WebSocket upgrades)
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/workflow"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Claims is the token payload.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey int

const identityKey ctxKey = iota

// Authenticator verifies tokens and provisions users.
type Authenticator struct {
	secret []byte
	users  *workflow.UserDirectory
	log    logrus.FieldLogger
}

func NewAuthenticator(secret string, users *workflow.UserDirectory, log logrus.FieldLogger) *Authenticator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Authenticator{secret: []byte(secret), users: users, log: log.WithField("component", "auth")}
}

// IssueToken signs a token for p. The identity provider does this in
// production; tests and local tooling use it directly.
func IssueToken(secret string, p workflow.Profile, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:    p.Name,
		Email:   p.Email,
		Mobile:  p.Mobile,
		Picture: p.ProfileImage,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Middleware rejects unauthenticated requests with 401 and stores the
// caller's Identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := tokenFrom(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authorized", nil)
			return
		}

		claims, err := a.parse(raw)
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Debug("token rejected")
			writeError(w, http.StatusUnauthorized, "Not authorized, token failed", nil)
			return
		}

		user, err := a.users.Ensure(r.Context(), workflow.Profile{
			ID:           workflow.UserID(claims.Subject),
			Name:         claims.Name,
			Email:        claims.Email,
			Mobile:       claims.Mobile,
			ProfileImage: claims.Picture,
		})
		if err != nil {
			writeDomainError(w, a.log, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, workflow.Identity{UserID: user.ID, Role: user.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func tokenFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", errMissingToken
		}
		return parts[1], nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errMissingToken
}

// RequireAdmin answers 403 unless the caller is an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity(r).IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identity returns the caller set by Middleware; zero when unauthenticated.
func identity(r *http.Request) workflow.Identity {
	id, _ := r.Context().Value(identityKey).(workflow.Identity)
	return id
}
