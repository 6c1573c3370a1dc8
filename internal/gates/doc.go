// Package gates implements the verification gate protocol that decides whether
// a content unit is published.
//
// # Pipeline
//
// Verify screens the body and context with the validate package first. A
// screening failure produces exactly one INPUT_VALIDATION or CONTEXT_VALIDATION
// FAILED record and no gate runs. Otherwise the required gates run concurrently,
// then, if none FAILED, the quality gates. Evidence is always reported in
// registration order regardless of completion order.
//
// Each gate runs under a timeout. A required gate that times out or panics is
// FAILED; a quality gate is SKIPPED.
//
// # Evidence hash
//
// The evidence list is encoded with CBOR core deterministic encoding and hashed
// with SHA-256. Identical inputs give identical hashes; reordering or editing
// any record changes it.
//
// # Receipts
//
// Accepted units carry a COSE_Sign1 (EdDSA) receipt over the content ID, author,
// body digest and evidence hash, verifiable with the Notary public key.
package gates
