package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey int

const claimsKey contextKey = 0

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom returns the claims stored by Require, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(parts[1]), nil
}

// Require wraps next so it only runs for requests carrying a valid token
// whose role allows at least role.
func (m *JWTManager) Require(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		claims, err := m.ValidateToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		if !Allows(claims.Role, role) {
			respondError(w, http.StatusForbidden, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func respondError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status == http.StatusUnauthorized && !errors.Is(err, ErrMissingToken) && !errors.Is(err, ErrExpiredToken) {
		msg = ErrInvalidToken.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cluso-ha"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
