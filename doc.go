/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package httplimiter adds client-side rate limiting to outgoing HTTP
// requests. Requests are gated through a multi-interval limiter (see the
// limiter subpackage) before the underlying transport proceeds, tracked
// either per target host or under one shared bucket.
//
// When the server reports a rate-limit violation (429 by default) that the
// local limiter did not predict, the bucket is synthetically filled up to the
// smallest configured rate's limit, so subsequent requests are delayed until
// the local accounting catches up with the server's.
//
// The package offers two integration flavors: LimiterRoundTripper wraps any
// http.RoundTripper, and New/NewWithOpts build a ready *http.Client with
// logging, rate limiting, user agent and request id round trippers composed
// from the go-appkit toolkit.
package httplimiter
