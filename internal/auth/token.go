// ABOUTME: Session tokens as HS256 JWTs signed with versioned keys
// ABOUTME: Verification honours revocation, then every valid key version, then expiry

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-witness/internal/keys"
	"github.com/2389/coven-witness/internal/store"
)

// TokenIssuer is the iss claim of every session token.
const TokenIssuer = "coven-witness"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevoked      = errors.New("token revoked")
	ErrBadSignature = errors.New("token signature not valid under any current key")
	ErrMissingClaim = errors.New("missing required claim")
	// ErrSubjectGone is returned for a well-formed token whose identity has
	// since been deleted.
	ErrSubjectGone = errors.New("token subject no longer registered")
)

// Claims are the contents of a session token.
type Claims struct {
	jwt.RegisteredClaims
	// KeyVersion names the signing key version; it mirrors the kid header.
	KeyVersion string `json:"kver"`
}

// TokenVerifier checks session tokens. Service implements it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Claims, error)
}

// Tokens issues and verifies session tokens.
type Tokens struct {
	keys   *keys.KeyStore
	ttl    time.Duration
	logger *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewTokens creates a token issuer over ks.
func NewTokens(ks *keys.KeyStore, ttl time.Duration, logger *slog.Logger) *Tokens {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tokens{
		keys:   ks,
		ttl:    ttl,
		logger: logger.With("component", "tokens"),
		Now:    time.Now,
	}
}

// Issue signs a token for subject with the active key. The expiry never outlives
// the key version that signed it.
func (t *Tokens) Issue(ctx context.Context, subject string) (string, *Claims, error) {
	v, err := t.keys.Current(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("getting signing key: %w", err)
	}

	now := t.Now().UTC()
	exp := now.Add(t.ttl)
	if exp.After(v.ExpiresAt) {
		exp = v.ExpiresAt
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   subject,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		KeyVersion: v.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = v.ID
	signed, err := token.SignedString(v.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks tokenString. Revocation is checked first. The signature is then
// tried against every key version valid now, starting with the one named by
// the kid header, and finally the claims' expiry is checked.
func (t *Tokens) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	revoked, err := t.keys.IsRevoked(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}

	now := t.Now()
	candidates, err := t.candidates(ctx, tokenString, now)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.Now),
	)

	for _, v := range candidates {
		claims := &Claims{}
		_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return v.Secret, nil
		})
		switch {
		case err == nil:
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}

		if claims.KeyVersion != v.ID {
			return nil, fmt.Errorf("%w: key version mismatch", ErrInvalidToken)
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
		}
		return claims, nil
	}
	return nil, ErrBadSignature
}

// candidates orders the valid key versions so the kid named in the header, if
// still valid, is tried first.
func (t *Tokens) candidates(ctx context.Context, tokenString string, now time.Time) ([]*store.SigningKeyVersion, error) {
	valid, err := t.keys.AllValid(ctx, now)
	if err != nil {
		return nil, err
	}

	tok, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return valid, nil
	}

	preferred, ok, err := t.keys.Lookup(ctx, kid, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return valid, nil
	}
	out := make([]*store.SigningKeyVersion, 0, len(valid))
	out = append(out, preferred)
	for _, v := range valid {
		if v.ID != kid {
			out = append(out, v)
		}
	}
	return out, nil
}
