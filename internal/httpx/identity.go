package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const callerIDContextKey contextKey = "caller_id"

// Identity resolves the caller from an "Authorization: Bearer" HS256 token
// whose subject is the caller ID. Requests without a token proceed
// anonymously; a malformed or invalid token is rejected with 401. An empty
// secret disables token parsing and every request is anonymous.
func Identity(secret []byte) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "malformed authorization header", nil)
				return
			}

			subject, err := ParseCallerToken(token, secret)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), subject)))
		})
	}
}

// ParseCallerToken validates an HS256 token and returns its subject.
func ParseCallerToken(token string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// CallerID returns the authenticated caller ID, or "" for anonymous requests.
func CallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerIDContextKey).(string); ok {
		return id
	}
	return ""
}

// WithCallerID adds a caller ID to the context.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDContextKey, callerID)
}
