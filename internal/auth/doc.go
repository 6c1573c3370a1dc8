// Package auth provides identity registration and session authentication for
// coven-witness.
//
// # Identities
//
// An identity is an SSH public key in authorized_keys format. Its address is the
// lowercase hex SHA-256 of the key's wire encoding, so the same key always maps
// to the same address and registering it twice fails with ErrDuplicateKey.
//
// # Challenge-response login
//
//	c, _ := svc.IssueChallenge(ctx, address)
//	sig, _ := auth.SignChallenge(signer, address, c.Nonce) // client side
//	sess, _ := svc.Verify(ctx, address, sig)
//
// The signed message is "coven-witness-challenge|<address>|<nonce>". Verify
// consumes the outstanding challenge with a single DELETE ... RETURNING before
// looking at the signature, so of any number of concurrent attempts at most one
// can succeed and a failed attempt burns the challenge.
//
// With uniform challenge errors enabled, unknown addresses receive a decoy
// challenge that is never stored, so the response does not reveal whether an
// address is registered.
//
// # Session tokens
//
// Tokens are HS256 JWTs. The kid header and kver claim name the signing key
// version. VerifyToken checks, in order: the revocation set, the signature
// against every key version valid now (kid first), the expiry, and finally that
// the subject is still registered. A token's expiry never outlives its key
// version.
//
// # Transports
//
// HTTPAuthMiddleware and UnaryInterceptor extract "Authorization: Bearer" from
// HTTP headers or gRPC metadata and attach an AuthContext to the request
// context; handlers read it with FromContext.
package auth
