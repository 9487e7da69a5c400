// Package ratelimit throttles API callers.
//
// Two limiters live here:
//
//   - [Limiter] is the fixed-window request counter that fronts every API
//     route. Counts live in a [Store] (memory, SQL, Redis, or a Redis/SQL
//     primary with an in-memory fallback) keyed by policy name and caller
//     identity. A key is reset once more than one window has elapsed since
//     its first request; once the allowance is spent further requests are
//     denied without being counted.
//   - [FloodGuard] is a per-IP token bucket held in process memory. It is a
//     cheap pre-filter that sheds obvious floods before any store round trip.
//
// Neither limiter coordinates across instances beyond what the backing
// store provides. They deter abuse, they do not meter billing.
package ratelimit
