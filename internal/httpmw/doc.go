// Package httpmw holds the middleware the public server wraps around the
// gymgate API: security headers, request ids, client address resolution,
// request logging with access log annotations, panic recovery and body
// limits.
//
// httpserver fixes the order. Rate limiting, CSRF and session checks are
// per route and live in protect, which reports the authenticated user or
// the stage that rejected a request through Annotate.
//
// Query strings, user agents and other caller supplied headers never reach
// the logs: gym searches carry member coordinates in the query.
package httpmw
