package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/response"
)

// AuthConfig holds authentication middleware configuration.
type AuthConfig struct {
	// SkipPaths are paths that don't require authentication.
	SkipPaths []string
}

// JWTValidator validates a bearer token and returns the user it was issued to.
type JWTValidator func(ctx context.Context, token string) (userID string, err error)

// ErrInvalidToken is returned by validators for any unusable token.
var ErrInvalidToken = errors.New("invalid token")

// NewJWTValidator verifies HS256 tokens issued by the identity service. The
// subject claim is the user id. issuer is checked when non-empty.
func NewJWTValidator(secret, issuer string) JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(secret)

	return func(_ context.Context, tokenString string) (string, error) {
		var claims jwt.RegisteredClaims
		token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.Subject == "" {
			return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
		}
		return claims.Subject, nil
	}
}

// Auth returns an authentication middleware.
func Auth(cfg AuthConfig, jwtValidator JWTValidator) func(next http.Handler) http.Handler {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || jwtValidator == nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			userID, err := jwtValidator(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
