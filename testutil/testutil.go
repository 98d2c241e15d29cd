/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil provides assertion helpers shared by the tests across the repo:
// error payloads in recorded HTTP responses, Prometheus metric samples, and error chains.
package testutil

type tHelper interface {
	Helper()
}
