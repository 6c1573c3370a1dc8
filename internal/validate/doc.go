// Package validate screens untrusted submissions before any gate sees them.
//
// Body checks run in a fixed order: non-empty and within the rune limit, valid
// UTF-8, no NUL or control characters, stable under NFKC, and finally a set of
// injection idiom patterns. Each pattern match raises the risk score and adds an
// issue. Context payloads are checked against a closed whitelist of typed fields.
//
// Validation never returns a Go error. Callers branch on Result.Valid.
package validate
