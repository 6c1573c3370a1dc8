// Package admission implements the rate limiting and circuit breaking shared by
// every entry point.
//
// Limiters are sliding-window logs: a request is admitted when fewer than limit
// requests were admitted for the same key in the trailing window. Trim, count and
// insert are one atomic step, under a mutex in MemoryLimiter and inside a Lua
// script in RedisLimiter.
//
// Rejections carry a retry hint of max(reset_at - now, Backoff.Delay(violations)).
// GuardedLimiter puts a CircuitBreaker in front of the shared Redis limiter.
package admission
