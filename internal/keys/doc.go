// Package keys manages the versioned secrets that sign session tokens and the
// set of revoked tokens.
//
// Exactly one version is active and signs new tokens. Every version verifies
// tokens until its ExpiresAt, which is fixed at creation to
// created_at + rotation_interval + grace_period. Rotation therefore never
// invalidates live sessions: the demoted version keeps verifying until its grace
// runs out. Readers use an immutable snapshot and never wait on a rotation.
package keys
