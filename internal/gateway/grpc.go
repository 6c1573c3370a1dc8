// ABOUTME: Witness gRPC service over google.protobuf.Struct messages
// ABOUTME: Hand-written ServiceDesc plus rate limiting and error mapping for unary calls

package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/auth"
	"github.com/2389/coven-witness/internal/client"
)

// WitnessServer is the server API for the coven.witness.v1.Witness service.
type WitnessServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Challenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitContent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetContent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIdentity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateIdentity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyChain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(WitnessServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WitnessServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: client.FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WitnessServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// WitnessServiceDesc describes the Witness service for grpc.Server.RegisterService.
var WitnessServiceDesc = grpc.ServiceDesc{
	ServiceName: client.ServiceName,
	HandlerType: (*WitnessServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(client.MethodRegister, WitnessServer.Register),
		methodDesc(client.MethodChallenge, WitnessServer.Challenge),
		methodDesc(client.MethodVerify, WitnessServer.Verify),
		methodDesc(client.MethodSubmitContent, WitnessServer.SubmitContent),
		methodDesc(client.MethodGetContent, WitnessServer.GetContent),
		methodDesc(client.MethodLogout, WitnessServer.Logout),
		methodDesc(client.MethodRefresh, WitnessServer.Refresh),
		methodDesc(client.MethodGetIdentity, WitnessServer.GetIdentity),
		methodDesc(client.MethodUpdateIdentity, WitnessServer.UpdateIdentity),
		methodDesc(client.MethodVerifyChain, WitnessServer.VerifyChain),
		methodDesc(client.MethodListEvents, WitnessServer.ListEvents),
		methodDesc(client.MethodExportAccount, WitnessServer.ExportAccount),
		methodDesc(client.MethodDeleteAccount, WitnessServer.DeleteAccount),
		methodDesc(client.MethodListKeys, WitnessServer.ListKeys),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coven/witness/v1/witness.proto",
}

// publicMethods skip token authentication.
var publicMethods = map[string]bool{
	client.FullMethod(client.MethodRegister):    true,
	client.FullMethod(client.MethodChallenge):   true,
	client.FullMethod(client.MethodVerify):      true,
	client.FullMethod(client.MethodGetContent):  true,
	client.FullMethod(client.MethodVerifyChain): true,
	client.FullMethod(client.MethodListEvents):  true,
	client.FullMethod(client.MethodListKeys):    true,
	"/grpc.health.v1.Health/Check":              true,
	"/grpc.health.v1.Health/List":               true,
}

// authClassMethods are admitted under the auth class, keyed by peer address.
// VerifyChain rehashes the whole chain, so it shares the stricter limit.
var authClassMethods = map[string]bool{
	client.FullMethod(client.MethodRegister):    true,
	client.FullMethod(client.MethodChallenge):   true,
	client.FullMethod(client.MethodVerify):      true,
	client.FullMethod(client.MethodVerifyChain): true,
}

// callerLimitedMethods are admitted under the content class, keyed by the
// authenticated address. SubmitContent is admitted by the pipeline.
var callerLimitedMethods = map[string]bool{
	client.FullMethod(client.MethodLogout):         true,
	client.FullMethod(client.MethodRefresh):        true,
	client.FullMethod(client.MethodUpdateIdentity): true,
	client.FullMethod(client.MethodDeleteAccount):  true,
}

// peerOrigin returns the host part of the caller's address.
func peerOrigin(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// rateLimitMetadata renders d as response header metadata.
func rateLimitMetadata(d admission.Decision, now time.Time) metadata.MD {
	md := metadata.MD{}
	if d.Limit <= 0 {
		return md
	}
	md.Set("ratelimit-limit", strconv.Itoa(d.Limit))
	md.Set("ratelimit-remaining", strconv.Itoa(d.Remaining))
	if reset := d.ResetAt.Sub(now); reset > 0 {
		md.Set("ratelimit-reset", strconv.FormatInt(int64((reset+time.Second-1)/time.Second), 10))
	} else {
		md.Set("ratelimit-reset", "0")
	}
	if !d.Allowed {
		md.Set("retry-after", strconv.FormatInt(int64((d.RetryAfter+time.Second-1)/time.Second), 10))
	}
	return md
}

// rateLimitInterceptor admits unary calls. It must run after the auth
// interceptor so authenticated callers are keyed by address.
func (g *Gateway) rateLimitInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var class admission.Class
		var subject string
		switch {
		case authClassMethods[info.FullMethod]:
			class, subject = admission.ClassAuth, peerOrigin(ctx)
		case callerLimitedMethods[info.FullMethod]:
			class, subject = admission.ClassContent, auth.MustFromContext(ctx).Address
		default:
			return handler(ctx, req)
		}

		d, err := g.admit(ctx, class, subject)
		if err != nil {
			return nil, g.grpcError(ctx, err)
		}
		_ = grpc.SetHeader(ctx, rateLimitMetadata(d, g.Now()))
		return handler(withDecision(ctx, d), req)
	}
}

// grpcError converts err to a status. Internal causes are logged, not returned.
func (g *Gateway) grpcError(ctx context.Context, err error) error {
	e := classify(err)
	if e.Internal {
		g.logger.Error("rpc failed", "error", err)
	}
	var limited *admission.RateLimitError
	if errors.As(err, &limited) {
		_ = grpc.SetHeader(ctx, rateLimitMetadata(limited.Decision, g.Now()))
	}
	return status.Error(grpcCode(e.Status), e.Message)
}

// witnessService implements WitnessServer on top of the gateway operations.
type witnessService struct {
	g *Gateway
}

// serve decodes the request, runs op and encodes the reply.
func serve[Req, Resp any](ctx context.Context, g *Gateway, in *structpb.Struct, op func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := client.FromStruct(in, &req); err != nil {
		return nil, g.grpcError(ctx, invalid("malformed request"))
	}
	resp, err := op(ctx, req)
	if err != nil {
		return nil, g.grpcError(ctx, err)
	}
	out, err := client.ToStruct(resp)
	if err != nil {
		return nil, g.grpcError(ctx, err)
	}
	return out, nil
}

// noArgs adapts an operation without a request body.
func noArgs[Resp any](op func(context.Context) (Resp, error)) func(context.Context, struct{}) (Resp, error) {
	return func(ctx context.Context, _ struct{}) (Resp, error) { return op(ctx) }
}

// withRateLimit attaches the admission decision recorded for ctx.
func withRateLimit[Req any, Resp interface{ setRateLimit(*RateLimitInfo) }](op func(context.Context, Req) (Resp, error)) func(context.Context, Req) (Resp, error) {
	return func(ctx context.Context, req Req) (Resp, error) {
		resp, err := op(ctx, req)
		if err == nil {
			resp.setRateLimit(rateLimitInfo(decisionFrom(ctx)))
		}
		return resp, err
	}
}

func (r *IdentityResponse) setRateLimit(i *RateLimitInfo)  { r.RateLimit = i }
func (r *ChallengeResponse) setRateLimit(i *RateLimitInfo) { r.RateLimit = i }
func (r *SessionResponse) setRateLimit(i *RateLimitInfo)   { r.RateLimit = i }

func (s *witnessService) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, withRateLimit(s.g.register))
}

func (s *witnessService) Challenge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, withRateLimit(s.g.challenge))
}

func (s *witnessService) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, withRateLimit(s.g.verify))
}

// SubmitContent returns FailedPrecondition with the gate results attached as a
// Struct detail when a required gate rejects the submission.
func (s *witnessService) SubmitContent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := client.FromStruct(in, &req); err != nil {
		return nil, s.g.grpcError(ctx, invalid("malformed request"))
	}

	resp, err := s.g.submit(ctx, req)
	if resp != nil && resp.RateLimit != nil {
		_ = grpc.SetHeader(ctx, rateLimitMetadata(admission.Decision{
			Allowed:   true,
			Limit:     resp.RateLimit.Limit,
			Remaining: resp.RateLimit.Remaining,
			ResetAt:   resp.RateLimit.ResetAt,
		}, s.g.Now()))
	}

	if gate, rejected := asGateFailure(err); rejected {
		detail, encErr := client.ToStruct(resp)
		if encErr != nil {
			return nil, s.g.grpcError(ctx, encErr)
		}
		st, detailErr := status.New(codes.FailedPrecondition, gate.Error()).WithDetails(detail)
		if detailErr != nil {
			return nil, s.g.grpcError(ctx, detailErr)
		}
		return nil, st.Err()
	}
	if err != nil {
		return nil, s.g.grpcError(ctx, err)
	}

	out, err := client.ToStruct(resp)
	if err != nil {
		return nil, s.g.grpcError(ctx, err)
	}
	return out, nil
}

func (s *witnessService) GetContent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, s.g.getContent)
}

func (s *witnessService) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, noArgs(s.g.logout))
}

func (s *witnessService) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, withRateLimit(noArgs(s.g.refresh)))
}

func (s *witnessService) GetIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, noArgs(s.g.identity))
}

func (s *witnessService) UpdateIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, s.g.updateIdentity)
}

func (s *witnessService) VerifyChain(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, noArgs(s.g.verifyChain))
}

func (s *witnessService) ListEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, s.g.listEvents)
}

func (s *witnessService) ExportAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, noArgs(s.g.exportAccount))
}

func (s *witnessService) DeleteAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, s.g.deleteAccount)
}

func (s *witnessService) ListKeys(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return serve(ctx, s.g, in, noArgs(s.g.listKeys))
}
