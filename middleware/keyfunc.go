/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
)

// GetKeyFunc is a function that is called for getting the rate limiting
// identifier from the request.
type GetKeyFunc func(r *http.Request) (identifier string, bypass bool, err error)

// GetKeyByIP extracts the client address: the first hop of X-Forwarded-For,
// then X-Real-IP, then the host part of RemoteAddr.
func GetKeyByIP(r *http.Request) (string, bool, error) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		firstHop := xff
		if i := strings.IndexByte(xff, ','); i != -1 {
			firstHop = xff[:i]
		}
		if ip := strings.TrimSpace(firstHop); ip != "" {
			return ip, false, nil
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip, false, nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may carry no port when the request was built by hand.
		host = r.RemoteAddr
	}
	if host == "" {
		return "", false, ratelimit.NewValidationError("cannot determine client address")
	}
	return host, false, nil
}

// GetKeyByHeader returns a strategy keyed on the given header, typically an
// API key. A request without the header fails the extraction.
func GetKeyByHeader(headerName string) GetKeyFunc {
	return func(r *http.Request) (string, bool, error) {
		value := strings.TrimSpace(r.Header.Get(headerName))
		if value == "" {
			return "", false, ratelimit.NewValidationError("missing %s header for rate limiting", headerName)
		}
		return value, false, nil
	}
}

// GetKeyByUserID returns a strategy keyed on the authenticated user identity.
// How the identity is obtained from the request is up to the caller.
func GetKeyByUserID(getUserID func(r *http.Request) (string, error)) GetKeyFunc {
	return func(r *http.Request) (string, bool, error) {
		userID, err := getUserID(r)
		if err != nil {
			return "", false, err
		}
		if userID == "" {
			return "", false, ratelimit.NewValidationError("empty user ID for rate limiting")
		}
		return userID, false, nil
	}
}

// CompositeKey returns a strategy that joins the identifiers of the given
// strategies with ":". Strategies asking for a bypass are skipped; the
// composite bypasses only when every part did. An error of any part fails
// the whole extraction.
func CompositeKey(funcs ...GetKeyFunc) GetKeyFunc {
	return func(r *http.Request) (string, bool, error) {
		parts := make([]string, 0, len(funcs))
		for _, fn := range funcs {
			identifier, bypass, err := fn(r)
			if err != nil {
				return "", false, err
			}
			if bypass || identifier == "" {
				continue
			}
			parts = append(parts, identifier)
		}
		if len(parts) == 0 {
			return "", true, nil
		}
		return strings.Join(parts, ":"), false, nil
	}
}
