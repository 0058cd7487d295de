/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package limiter provides sliding-window rate limiting with pluggable
// event storage.
//
// A Limiter tracks request timestamps per bucket key and enforces one or
// more rates (for example 5 per second and 100 per minute) against the
// recorded history. Unlike token-bucket limiters, the full event log is
// kept for the largest configured interval, which makes it possible to
// both compute the exact wait time until the next request may proceed and
// to backfill the bucket when an upstream service reports that its own
// limit has been exceeded.
//
// Event storage is abstracted behind the BucketStore and Bucket
// interfaces. Three implementations are provided:
//   - in-memory with LRU-bounded key management (the default)
//   - SQLite for persistence across process restarts
//   - Redis sorted sets for sharing limits between processes
package limiter
