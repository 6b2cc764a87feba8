package middleware

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poofware/wallet-service/internal/utils"
)

type contextKey string

const (
	ContextKeyAdminID = contextKey("adminID")

	// Cookie names follow the __Host- prefix rule (no Domain attribute allowed)
	AccessTokenCookieName = "__Host-accessToken"
)

// AdminAuthMiddleware validates a JWT and ensures it contains the "admin" role.
// The token is read from the Authorization bearer header, falling back to the
// web access-token cookie.
func AdminAuthMiddleware(pub *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, err := extractAccessToken(r)
			if err != nil {
				utils.RespondErrorWithCode(
					w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, err.Error(), nil,
				)
				return
			}

			tok, vErr := ValidateToken(tokenStr, pub)
			if vErr != nil || !tok.Valid {
				if errors.Is(vErr, jwt.ErrTokenExpired) {
					utils.RespondErrorWithCode(
						w, http.StatusUnauthorized, utils.ErrCodeTokenExpired, "Token expired", nil, vErr,
					)
					return
				}
				utils.RespondErrorWithCode(
					w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Invalid token", nil, vErr,
				)
				return
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				utils.RespondErrorWithCode(
					w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Invalid claims", nil,
				)
				return
			}

			// Check for subject (the admin's user ID)
			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				utils.RespondErrorWithCode(
					w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Missing subject", nil,
				)
				return
			}

			// Check for "admin" role
			role, ok := claims["role"].(string)
			if !ok || role != "admin" {
				utils.RespondErrorWithCode(
					w, http.StatusForbidden, utils.ErrCodeUnauthorized, "Insufficient permissions", nil,
				)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyAdminID, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminID returns the authenticated admin's subject, if any.
func AdminID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyAdminID).(string)
	return id
}

func extractAccessToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	c, err := r.Cookie(AccessTokenCookieName)
	if err != nil || c.Value == "" {
		return "", errors.New("missing Authorization header")
	}
	return c.Value, nil
}
