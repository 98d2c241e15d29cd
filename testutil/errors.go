/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stretchr/testify/require"
)

// RequireNoErrorInChannel asserts that the passed buffered channel holds no error.
// The receive is non-blocking, so the channel may be open or closed.
func RequireNoErrorInChannel(t require.TestingT, c <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	select {
	case err := <-c:
		require.NoError(t, err, msgAndArgs...)
	default:
	}
}

// RequireErrorIsAny asserts that err matches (in the errors.Is sense) at least one of the targets.
func RequireErrorIsAny(t require.TestingT, err error, targets []error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return
		}
	}
	var sb strings.Builder
	sb.WriteString("At least one target error should be in err chain:\nexpected: [")
	for i, target := range targets {
		if i != 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%q", target.Error())
	}
	sb.WriteString("]\nin chain: ")
	for e := err; e != nil; e = errors.Unwrap(e) {
		if e != err {
			sb.WriteString("\n\t")
		}
		fmt.Fprintf(&sb, "%q", e.Error())
	}
	require.FailNow(t, sb.String(), msgAndArgs...)
}
