// Package account implements the data subject operations on an identity.
//
// Export gathers everything the service holds about an address: the identity,
// its accepted content, revocations recorded against its tokens and the witness
// events naming it as actor.
//
// Delete purges the identity and its content. Revocations and witness events
// are kept, and the deletion itself is appended to the witness chain, so the
// audit trail outlives the data it describes.
package account
