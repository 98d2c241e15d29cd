/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strings"
)

// Rule binds a route pattern to a rate limiting middleware. A zero Methods
// list matches every method.
type Rule struct {
	// Path is the request path to match. It is compared exactly unless
	// Prefix is set.
	Path string

	// Prefix makes Path match as a path prefix.
	Prefix bool

	// Methods restricts the rule to the listed HTTP methods.
	Methods []string

	// Middleware wraps the requests matched by the rule.
	Middleware func(next http.Handler) http.Handler
}

func (rule *Rule) matches(r *http.Request) bool {
	if len(rule.Methods) > 0 {
		found := false
		for _, method := range rule.Methods {
			if strings.EqualFold(method, r.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rule.Prefix {
		return strings.HasPrefix(r.URL.Path, rule.Path)
	}
	return r.URL.Path == rule.Path
}

// Dispatcher composes independent rate limiters: each request goes through
// the middleware of the first matching rule, requests matching no rule reach
// the next handler untouched.
func Dispatcher(rules []Rule) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := make([]http.Handler, len(rules))
		for i := range rules {
			if rules[i].Middleware != nil {
				wrapped[i] = rules[i].Middleware(next)
			} else {
				wrapped[i] = next
			}
		}
		return &dispatcher{rules: rules, wrapped: wrapped, next: next}
	}
}

type dispatcher struct {
	rules   []Rule
	wrapped []http.Handler
	next    http.Handler
}

func (d *dispatcher) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	for i := range d.rules {
		if d.rules[i].matches(r) {
			d.wrapped[i].ServeHTTP(rw, r)
			return
		}
	}
	d.next.ServeHTTP(rw, r)
}
