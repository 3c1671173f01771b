package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jobbyist/yute-za/configs"
	"github.com/jobbyist/yute-za/internal/httputil"
	"github.com/jobbyist/yute-za/internal/logger"
)

type contextKey string

const userIDContextKey contextKey = "userID"

var errInvalidToken = errors.New("invalid or expired token")

// UserID extracts the authenticated user id stashed by Authenticated.
func UserID(r *http.Request) (uint64, bool) {
	id, ok := r.Context().Value(userIDContextKey).(uint64)
	return id, ok
}

// ParseToken validates a signed HS256 token and returns its subject user id.
// The websocket handshake uses it directly since browsers cannot attach an
// Authorization header there.
func ParseToken(tokenStr string) (uint64, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(configs.AppConfig.JWT.SECRET), nil
	})
	if err != nil || !token.Valid {
		return 0, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errInvalidToken
	}
	sub, ok := claims["sub"].(float64)
	if !ok {
		logger.Log.Error("jwt subject missing or wrong type")
		return 0, errInvalidToken
	}
	return uint64(sub), nil
}

func Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		userID, err := ParseToken(parts[1])
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
