package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenCookie = "session-token"
	tokenQuery  = "token"
)

var errNoToken = errors.New("no token presented")

// NewAdmissionMiddleware gates the websocket handshake behind an HMAC signed
// JWT. The token is read from the session-token cookie, the token query
// parameter or a Bearer Authorization header, in that order. An empty secret
// disables the check.
func NewAdmissionMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	logger = logger.With(slog.String("component", "admission"))
	return func(next http.Handler) http.Handler {
		if jwtSecret == "" {
			logger.Warn("No jwt secret configured, admission check disabled")
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString, err := tokenFrom(r)
			if err != nil {
				logger.Warn("JWT token missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			// Parse and validate the JWT token with HMAC signing
			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})

			// Reject token if invalid
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Subject = claims.Subject
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFrom(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	if t := r.URL.Query().Get(tokenQuery); t != "" {
		return t, nil
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimPrefix(h, "Bearer "); t != "" {
			return t, nil
		}
	}
	return "", errNoToken
}
