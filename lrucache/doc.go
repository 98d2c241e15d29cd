/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides an in-memory cache with LRU eviction, per-entry expiration,
// and Prometheus metrics. The rate limiting memory store is built on top of it.
package lrucache
