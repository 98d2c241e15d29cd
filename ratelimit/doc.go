/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit decides, for a given caller identifier, whether a new
// action is admitted within a configured quota, and tracks the quota state
// either in a single process or shared across many server instances via Redis.
//
// The package is organized around three pieces:
//   - Pure admission transitions (ApplyFixedWindow, ApplySlidingWindow,
//     ApplyTokenBucket) that advance per-key state by one attempt.
//   - The Store interface, a storage gateway whose Check* operations run one
//     transition atomically with respect to other operations on the same key.
//     In-memory and Redis gateways live in the memstore and redisstore
//     subpackages.
//   - Service, which ties a validated Config, a key generator, and a storage
//     gateway together and exposes the admission API (CheckLimit, ResetLimit,
//     CheckMultipleLimit, PredictAvailability, GetHealthStatus).
//
// A fourth algorithm, the GCRA-based leaky bucket, admits requests at a
// steady emission rate and is available for the memory store only.
package ratelimit
