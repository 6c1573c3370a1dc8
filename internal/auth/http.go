// ABOUTME: HTTP middleware for session token authentication on API endpoints
// ABOUTME: Extracts the bearer token from the Authorization header and adds the identity to context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// IsTokenError reports whether err is a verdict about the token rather than a
// failure of the verifier itself.
func IsTokenError(err error) bool {
	for _, target := range []error{ErrInvalidToken, ErrExpiredToken, ErrRevoked, ErrBadSignature, ErrMissingClaim, ErrSubjectGone} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TokenErrorCode maps a verification error to a stable machine readable code.
func TokenErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRevoked):
		return "token_revoked"
	case errors.Is(err, ErrExpiredToken):
		return "token_expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrSubjectGone):
		return "subject_deleted"
	default:
		return "invalid_token"
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="coven-witness"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and verifies
// session tokens. It adds AuthContext to the request context using the same
// WithAuth/FromContext pattern as the gRPC interceptor.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg, "unauthenticated")
				return
			}

			claims, err := verifier.VerifyToken(r.Context(), token)
			if err != nil && !IsTokenError(err) {
				logger.Error("token verification unavailable", "error", err)
				writeAuthError(w, http.StatusServiceUnavailable, "authentication unavailable", "unavailable")
				return
			}
			if err != nil {
				code := TokenErrorCode(err)
				logger.Warn("auth failure", "reason", code, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token", code)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), newAuthContext(token, claims))))
		})
	}
}
