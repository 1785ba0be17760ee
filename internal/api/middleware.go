/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token authentication for
 * the caller-facing routes and signature verification for gateway callbacks.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and claim validation.
 */

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/godzika/sferocoinapi/internal/app"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// CallerIDContextKey is a custom type for the context key to avoid collisions.
type CallerIDContextKey string

const callerIDKey CallerIDContextKey = "callerID"

// SignatureHeader carries the hex HMAC-SHA256 of a callback body.
const SignatureHeader = "X-Gateway-Signature"

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// AuthMiddleware validates HS256 bearer tokens and stores the `sub` claim as the caller id.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(cfg.Secret)
	logger := logrus.WithField("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Authorization header required", nil)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Invalid Authorization header format", nil)
				return
			}

			var claims jwt.RegisteredClaims
			_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil {
				logger.WithError(err).Debug("token rejected")
				writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Invalid token", nil)
				return
			}

			callerID := strings.TrimSpace(claims.Subject)
			if callerID == "" {
				writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Caller id not found in token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), callerIDKey, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerID retrieves the authenticated caller id from the request context.
func GetCallerID(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(callerIDKey).(string)
	return callerID, ok
}

// validSignature reports whether header is the hex HMAC-SHA256 of body under secret.
// A "sha256=" prefix is accepted.
func validSignature(secret string, body []byte, header string) bool {
	provided := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if provided == "" {
		return false
	}
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}
