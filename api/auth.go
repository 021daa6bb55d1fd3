package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Claims is the bearer token payload. Subject holds the numeric user id.
type Claims struct {
	jwt.RegisteredClaims
}

type ctxKey struct{}

// Authenticator verifies HS256 bearer tokens and the cron secret.
type Authenticator struct {
	Secret     []byte
	CronSecret string
}

// IssueToken signs a token for user valid for ttl.
func (a *Authenticator) IssueToken(user generic.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(int64(user), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// Parse validates tokenString and returns the user it was issued to.
func (a *Authenticator) Parse(tokenString string) (generic.UserID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid or expired token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return 0, errors.New("invalid token claims")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid token subject %q", claims.Subject)
	}
	return generic.UserID(id), nil
}

// RequireUser rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization required", nil)
			return
		}
		user, err := a.Parse(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// RequireCron admits only callers presenting the cron secret.
func (a *Authenticator) RequireCron(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if a.CronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "Cron authorization required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFrom returns the authenticated caller.
func UserFrom(ctx context.Context) (generic.UserID, bool) {
	user, ok := ctx.Value(ctxKey{}).(generic.UserID)
	return user, ok
}
