/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutePath is a parsed route path together with its matching kind.
type RoutePath struct {
	Raw            string
	NormalizedPath string
	RegExpPath     *regexp.Regexp
	ExactMatch     bool
	ForwardMatch   bool
}

// ParseRoutePath parses the string representation of a route's path,
// written as an URL path with an optional "=", "~" or "^~" modifier in front.
// The modifiers have the same meaning as in Nginx location blocks
// (https://nginx.org/en/docs/http/ngx_http_core_module.html#location):
// "=" requires an exact match, "~" matches by a regular expression,
// "^~" is a prefix match that suppresses further regular expression checks,
// and no modifier means a plain prefix match.
func ParseRoutePath(rp string) (RoutePath, error) {
	rp = strings.TrimSpace(rp)
	if rp == "" {
		return RoutePath{}, fmt.Errorf("path is missing")
	}

	modifier, rest := splitRouteModifier(rp)

	if modifier == "~" {
		if rest == "" {
			return RoutePath{}, fmt.Errorf("regular expression is missing")
		}
		re, err := regexp.Compile(rest)
		if err != nil {
			return RoutePath{}, err
		}
		return RoutePath{Raw: rp, RegExpPath: re}, nil
	}

	if !strings.HasPrefix(rest, "/") {
		return RoutePath{}, fmt.Errorf(
			"path should be started with \"/\" in case of %s matching", matchingKindName(modifier))
	}
	return RoutePath{
		Raw:            rp,
		NormalizedPath: NormalizeURLPath(rest),
		ExactMatch:     modifier == "=",
		ForwardMatch:   modifier == "^~",
	}, nil
}

func splitRouteModifier(rp string) (modifier, rest string) {
	for _, m := range []string{"=", "^~", "~"} {
		if strings.HasPrefix(rp, m) {
			return m, strings.TrimSpace(rp[len(m):])
		}
	}
	return "", rp
}

func matchingKindName(modifier string) string {
	switch modifier {
	case "=":
		return "exact"
	case "^~":
		return "forward"
	}
	return "prefixed"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (rp *RoutePath) UnmarshalText(text []byte) (err error) {
	*rp, err = ParseRoutePath(string(text))
	return
}

// MarshalText implements encoding.TextMarshaler.
func (rp RoutePath) MarshalText() ([]byte, error) {
	return []byte(rp.Raw), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rp *RoutePath) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRoutePath(s)
	if err != nil {
		return err
	}
	*rp = parsed
	return nil
}

// Route represents a route that requests are matched against.
type Route struct {
	Path        RoutePath
	Methods     []string
	Middlewares []func(http.Handler) http.Handler
	Excluded    bool // Matched requests are treated as not covered by any route.
}

// NewRoute returns a new route with the passed middlewares attached.
func NewRoute(cfg RouteConfig, middlewares []func(http.Handler) http.Handler) Route {
	return Route{
		Path:        cfg.Path,
		Methods:     cfg.MethodsInUpperCase(),
		Middlewares: middlewares,
	}
}

// NewExcludedRoute returns a new route that acts as an exclusion during matching.
func NewExcludedRoute(cfg RouteConfig) Route {
	return Route{
		Path:     cfg.Path,
		Methods:  cfg.MethodsInUpperCase(),
		Excluded: true,
	}
}

// RoutesManager holds routes grouped by matching kind and searches among them.
type RoutesManager struct {
	exactByPath  map[string][]Route
	prefixedDesc []Route
	regexRoutes  []Route
}

// NewRoutesManager groups the passed routes by matching kind and orders them for searching.
func NewRoutesManager(routes []Route) *RoutesManager {
	rm := &RoutesManager{exactByPath: make(map[string][]Route)}
	for _, route := range routes {
		switch {
		case route.Path.ExactMatch:
			rm.exactByPath[route.Path.NormalizedPath] = append(rm.exactByPath[route.Path.NormalizedPath], route)
		case route.Path.RegExpPath != nil:
			rm.regexRoutes = append(rm.regexRoutes, route)
		default:
			rm.prefixedDesc = append(rm.prefixedDesc, route)
		}
	}

	// Routes with explicit methods have to be checked before method-agnostic ones,
	// so every group is sorted accordingly.
	for p := range rm.exactByPath {
		sortRoutesWithMethodsFirst(rm.exactByPath[p])
	}
	sortRoutesWithMethodsFirst(rm.regexRoutes)

	// Prefixed routes are additionally sorted by path in descending order
	// so that the longest matching prefix is found first.
	sort.SliceStable(rm.prefixedDesc, func(i, j int) bool {
		pi, pj := rm.prefixedDesc[i].Path.NormalizedPath, rm.prefixedDesc[j].Path.NormalizedPath
		if pi == pj {
			return len(rm.prefixedDesc[i].Methods) != 0 && len(rm.prefixedDesc[j].Methods) == 0
		}
		return pi > pj
	})

	return rm
}

func sortRoutesWithMethodsFirst(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Methods) != 0 && len(routes[j].Methods) == 0
	})
}

// SearchMatchedRouteForRequest finds the route matching the passed request.
// Matching follows the Nginx location algorithm
// (https://nginx.org/en/docs/http/ngx_http_core_module.html#location),
// with excluded routes checked first.
func (r *RoutesManager) SearchMatchedRouteForRequest(req *http.Request) (Route, bool) {
	normalizedReqURLPath := NormalizeURLPath(req.URL.Path)
	if route, ok := r.SearchRoute(normalizedReqURLPath, req.Method, true); ok {
		return route, false
	}
	return r.SearchRoute(normalizedReqURLPath, req.Method, false)
}

// SearchRoute finds the route for the passed path and method.
// The path must already be normalized with NormalizeURLPath.
// Only excluded routes are searched when excluded is true, only included ones otherwise.
func (r *RoutesManager) SearchRoute(normalizedPath string, method string, excluded bool) (Route, bool) {
	if route := firstMatching(r.exactByPath[normalizedPath], excluded, method, nil); route != nil {
		return *route, true
	}

	prefixed := firstMatching(r.prefixedDesc, excluded, method, func(route *Route) bool {
		return strings.HasPrefix(normalizedPath, route.Path.NormalizedPath)
	})
	if prefixed != nil && prefixed.Path.ForwardMatch {
		return *prefixed, true
	}

	if route := firstMatching(r.regexRoutes, excluded, method, func(route *Route) bool {
		return route.Path.RegExpPath.MatchString(normalizedPath)
	}); route != nil {
		return *route, true
	}

	if prefixed != nil {
		return *prefixed, true
	}
	return Route{}, false
}

// firstMatching returns the first route that is on the requested side of the
// exclusion flag, accepts the method, and satisfies pathOK.
// A nil pathOK accepts any path.
func firstMatching(routes []Route, excluded bool, method string, pathOK func(*Route) bool) *Route {
	for i := range routes {
		route := &routes[i]
		if route.Excluded != excluded || !routeMatchesMethod(route, method) {
			continue
		}
		if pathOK == nil || pathOK(route) {
			return route
		}
	}
	return nil
}

// routeMatchesMethod reports whether the route accepts the passed HTTP method.
// A route without explicit methods accepts all of them.
func routeMatchesMethod(route *Route, method string) bool {
	return len(route.Methods) == 0 || slices.Contains(route.Methods, method)
}

// RouteConfig is the configuration of a single route.
type RouteConfig struct {
	// Path is the parsed route path, use ParseRoutePath to construct it
	// from the string representation.
	Path RoutePath `mapstructure:"path" yaml:"path" json:"path"`

	// Methods lists HTTP verbs, case-insensitively.
	Methods []string `mapstructure:"methods" yaml:"methods" json:"methods"`
}

// MethodsInUpperCase returns the route's methods upper-cased.
func (r *RouteConfig) MethodsInUpperCase() []string {
	upper := make([]string, len(r.Methods))
	for i, m := range r.Methods {
		upper[i] = strings.ToUpper(m)
	}
	return upper
}

var knownHTTPMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
}

// Validate checks that the path is present and all methods are known HTTP verbs.
func (r *RouteConfig) Validate() error {
	if r.Path.Raw == "" {
		return fmt.Errorf("path is missing")
	}
	for _, method := range r.MethodsInUpperCase() {
		if !slices.Contains(knownHTTPMethods, method) {
			return fmt.Errorf("unknown method %q", method)
		}
	}
	return nil
}

// NormalizeURLPath cleans the URL path and keeps a trailing slash if the
// original path had one (e.g. /foo///bar/.. becomes /foo).
func NormalizeURLPath(urlPath string) string {
	cleaned := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
