// Package ttlcache provides a bounded in-memory set of keys with per-key expiry.
package ttlcache
