// ABOUTME: Maps service errors to HTTP statuses, gRPC codes and stable error codes
// ABOUTME: Internal failures are logged and answered with a generic message

package gateway

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/2389/coven-witness/internal/account"
	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/auth"
	"github.com/2389/coven-witness/internal/content"
	"github.com/2389/coven-witness/internal/gates"
	"github.com/2389/coven-witness/internal/witness"
)

// errBadRequest marks malformed requests; the message is safe to echo.
var errBadRequest = errors.New("bad request")

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }
func (e *badRequest) Unwrap() error { return errBadRequest }

func invalid(msg string) error { return &badRequest{msg: msg} }

// apiError is the transport independent shape of a failed call.
type apiError struct {
	Status  int
	Code    string
	Message string
	// Internal marks errors whose cause must not reach the caller.
	Internal bool
}

// classify maps err to an apiError.
func classify(err error) apiError {
	var (
		br      *badRequest
		gate    *gates.RequiredGateFailedError
		limited *admission.RateLimitError
		open    *admission.CircuitOpenError
	)

	switch {
	case errors.As(err, &br):
		return apiError{Status: http.StatusBadRequest, Code: "bad_request", Message: br.msg}

	case errors.Is(err, auth.ErrInvalidPublicKey):
		return apiError{Status: http.StatusBadRequest, Code: "invalid_public_key", Message: err.Error()}
	case errors.Is(err, auth.ErrInvalidProfile):
		return apiError{Status: http.StatusBadRequest, Code: "invalid_profile", Message: err.Error()}
	case errors.Is(err, auth.ErrDuplicateKey):
		return apiError{Status: http.StatusConflict, Code: "duplicate_key", Message: "public key already registered"}
	case errors.Is(err, auth.ErrUnknownAddress):
		return apiError{Status: http.StatusNotFound, Code: "unknown_address", Message: "unknown address"}
	case errors.Is(err, auth.ErrChallengeNotFound):
		return apiError{Status: http.StatusUnauthorized, Code: "challenge_not_found", Message: "no outstanding challenge"}
	case errors.Is(err, auth.ErrChallengeExpired):
		return apiError{Status: http.StatusUnauthorized, Code: "challenge_expired", Message: "challenge expired"}
	case errors.Is(err, auth.ErrInvalidSignature):
		return apiError{Status: http.StatusUnauthorized, Code: "invalid_signature", Message: "invalid signature"}
	case auth.IsTokenError(err):
		return apiError{Status: http.StatusUnauthorized, Code: auth.TokenErrorCode(err), Message: "invalid or expired token"}

	case errors.As(err, &gate):
		return apiError{Status: http.StatusUnprocessableEntity, Code: "required_gate_failed", Message: gate.Error()}

	case errors.As(err, &limited):
		return apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: limited.Error()}
	case errors.As(err, &open):
		return apiError{Status: http.StatusServiceUnavailable, Code: "circuit_open", Message: "service temporarily unavailable"}

	case errors.Is(err, content.ErrNotFound), errors.Is(err, account.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Code: "not_found", Message: err.Error()}
	case errors.Is(err, account.ErrConfirmationRequired):
		return apiError{Status: http.StatusBadRequest, Code: "confirmation_required", Message: "set confirmed=true to delete the account"}

	case errors.Is(err, witness.ErrChainHalted):
		return apiError{Status: http.StatusServiceUnavailable, Code: "chain_halted", Message: "audit chain integrity failure, writes suspended"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{Status: http.StatusGatewayTimeout, Code: "timeout", Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return apiError{Status: 499, Code: "canceled", Message: "request canceled"}

	default:
		return apiError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal error", Internal: true}
	}
}

// grpcCode maps an HTTP status to the closest gRPC code.
func grpcCode(status int) codes.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case 499:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func asGateFailure(err error) (*gates.RequiredGateFailedError, bool) {
	var gate *gates.RequiredGateFailedError
	ok := errors.As(err, &gate)
	return gate, ok
}
