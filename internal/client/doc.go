// Package client is the Go client for the coven.witness.v1.Witness gRPC service.
//
// # Overview
//
// The service has no generated stubs. Every method takes and returns a
// google.protobuf.Struct whose fields match the JSON bodies of the HTTP API, so
// the same request and response shapes work over both transports. Client
// converts Go values to and from Struct through their JSON encoding.
//
// # Service Methods
//
// Public:
//
//   - Register: register a public key, name and purpose
//   - Challenge: obtain a one-time nonce for an address
//   - Verify: exchange a signed challenge for a session token
//   - GetContent: read a content unit with its evidence
//   - VerifyChain: recompute the witness chain
//   - ListEvents: page through witness events
//   - ListKeys: list signing key versions
//
// Authenticated (bearer token in the authorization metadata):
//
//   - SubmitContent, Logout, Refresh, GetIdentity, UpdateIdentity,
//     ExportAccount, DeleteAccount
//
// # Errors
//
// Failures are gRPC statuses. A submission rejected by a required gate returns
// FailedPrecondition with the full gate results attached as a Struct detail;
// RejectionDetails extracts them.
//
// # Usage
//
//	conn, err := client.Dial("localhost:50051")
//	c := client.New(conn)
//	session, err := c.Login(ctx, signer)
//	res, err := c.WithToken(session.Token).Submit(ctx, body, nil)
package client
