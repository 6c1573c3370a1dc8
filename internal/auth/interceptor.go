// ABOUTME: gRPC interceptor for authenticating requests using session tokens
// ABOUTME: Extracts the bearer token from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure records a rejected call at Warn with the peer and method, if known.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	if method, ok := grpc.Method(ctx); ok {
		attrs = append(attrs, "method", method)
	}
	logger.Warn("auth failure", attrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
// Methods listed in public (full method names) are passed through untouched;
// everything else requires a valid bearer token.
func UnaryInterceptor(verifier TokenVerifier, public map[string]bool, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}

		authCtx, err := extractAuth(ctx, verifier, logger)
		if err != nil {
			return nil, err
		}

		ctx = WithAuth(ctx, authCtx)
		return handler(ctx, req)
	}
}

// extractAuth verifies the bearer token carried in the authorization metadata.
func extractAuth(ctx context.Context, verifier TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(authHeaders[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization")
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	claims, err := verifier.VerifyToken(ctx, token)
	if err != nil {
		if !IsTokenError(err) {
			return nil, status.Error(codes.Unavailable, "authentication unavailable")
		}
		logAuthFailure(logger, ctx, TokenErrorCode(err))
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return newAuthContext(token, claims), nil
}
