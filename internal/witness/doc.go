// Package witness implements the append-only, hash-linked audit log.
//
// Every event stores the hash of its predecessor and its own hash:
//
//	event_hash = SHA-256(len|event_type ‖ len|timestamp ‖ len|actor ‖ len|action ‖ len|previous_hash)
//
// The first event links to GenesisHash. Appends are serialized by a mutex in
// Chain; Verify walks the chain from genesis and reports the first broken link.
// A broken chain is not recoverable in-process: Verify halts further appends and
// logs an error carrying alert=chain_integrity.
package witness
