package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKeyOperatorID struct{}

// OperatorClaims are the JWT claims the operator surface requires.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GetOperatorID retrieves the authenticated operator from the context.
func GetOperatorID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyOperatorID{}).(string)
	return id
}

// RequireOperator validates the bearer token as an HMAC-signed operator JWT
// and stores the operator identity in the request context.
func RequireOperator(signingKey []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims := &OperatorClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				return signingKey, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !parsed.Valid {
				logger.Warn("unauthorized operator access",
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				unauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Role != "operator" {
				unauthorized(w, "Operator role required")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyOperatorID{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`)) //nolint:errcheck
}
