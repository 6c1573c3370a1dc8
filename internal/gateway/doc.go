// Package gateway orchestrates the coven-witness server components.
//
// # Overview
//
// Gateway owns the store and every service built on it: the witness chain,
// the signing key store and its rotator, authentication, admission control,
// the content pipeline and account export/deletion. It exposes them over two
// transports that share one set of operations (ops.go):
//
//   - HTTP/JSON on server.http_addr (api.go)
//   - gRPC on server.grpc_addr as coven.witness.v1.Witness (grpc.go)
//
// When tailscale.enabled is set both listeners move onto the tailnet via tsnet,
// gRPC on :50051 and HTTP on :80.
//
// # HTTP API
//
//   - POST /api/v1/register - register an SSH public key
//   - GET /api/v1/challenge/{address} - issue a login challenge
//   - POST /api/v1/verify - exchange a signed challenge for a session token
//   - POST /api/v1/content - submit content through the gates (auth)
//   - GET /api/v1/content/{id} - fetch content and re-check its evidence
//   - POST /api/v1/logout, POST /api/v1/refresh (auth)
//   - GET and PATCH /api/v1/identity (auth)
//   - GET /api/v1/audit/verify, GET /api/v1/audit/events
//   - GET /api/v1/account/export, DELETE /api/v1/account (auth)
//   - GET /api/v1/keys - signing key versions and the receipt key id
//   - GET /health, GET /health/ready
//
// Counted responses carry RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset headers; 429 responses add Retry-After. A submission that
// fails a required gate is answered 422 with the full gate results.
//
// # gRPC
//
// Messages are google.protobuf.Struct values with the same field names as the
// JSON API, so no generated code is needed. Tokens travel in the
// "authorization: Bearer" metadata. A gate rejection is FailedPrecondition with
// the results attached as a Struct status detail. Rate limit metadata is sent
// as response headers. The standard grpc.health.v1 service mirrors
// /health/ready.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run also drives key rotation and the health refresher. Shutdown stops the
// servers, closes the redis limiter and the revocation cache, then the store.
package gateway
