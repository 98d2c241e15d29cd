/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package throttle provides a configurable middleware for throttling of incoming HTTP requests.
// Throttling rules bind request routes to named rate limiting zones, and rules that reference
// the same zone share its quota. See Config for the details of the configuration format.
package throttle

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vasayxtx/go-glob"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
	"github.com/hicaroostreb/saas-boilerplate-sub004/middleware"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit/memstore"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit/redisstore"
	"github.com/hicaroostreb/saas-boilerplate-sub004/restapi"
)

// RuleLogFieldName is the name of the logged field that contains the name of the throttling rule.
const RuleLogFieldName = "throttle_rule"

const zoneKeyPrefix = "throttle"

// Reserved identifiers for zones that account requests without a per-client key.
// A zone with no key type counts all requests together, and a zone with
// noBypassEmpty counts requests with an empty key value together.
const (
	globalZoneIdentifier   = "global"
	emptyKeyZoneIdentifier = "empty"
)

// MiddlewareOpts represents options for the throttling middleware.
type MiddlewareOpts struct {
	// GetKeyIdentity is a function to extract the identity for zones with the "identity" key type.
	GetKeyIdentity middleware.GetKeyFunc

	// RateLimitOnReject is a callback that is called for rejecting HTTP requests
	// when the rate limit is exceeded.
	RateLimitOnReject middleware.OnRejectFunc

	// RateLimitOnRejectInDryRun is a callback that is called for rejecting HTTP requests
	// when the rate limit is exceeded in the dry-run mode.
	RateLimitOnRejectInDryRun middleware.OnRejectFunc

	// RateLimitOnError is a callback that is called when an error occurs
	// during the rate limit checking.
	RateLimitOnError middleware.OnErrorFunc

	// RedisClient is used by zones with the "redis" store.
	// Constructing the middleware fails if such a zone is configured and the client is nil.
	RedisClient redis.UniversalClient

	// Logger is used for logging rejections and errors.
	Logger log.FieldLogger

	// TimeNow overrides the function to get the current time. Mainly used in tests.
	TimeNow func() time.Time
}

// Middleware is a middleware that throttles incoming HTTP requests based on the passed configuration.
func Middleware(cfg *Config, errDomain string, mc *MetricsCollector) (func(next http.Handler) http.Handler, error) {
	return MiddlewareWithOpts(cfg, errDomain, mc, MiddlewareOpts{})
}

// MiddlewareWithOpts is a more configurable version of the Middleware.
func MiddlewareWithOpts(
	cfg *Config, errDomain string, mc *MetricsCollector, opts MiddlewareOpts,
) (func(next http.Handler) http.Handler, error) {
	routesManager, err := makeRoutes(cfg, errDomain, mc, opts)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return &handler{next: next, routesManager: routesManager}
	}, nil
}

type handler struct {
	next          http.Handler
	routesManager *restapi.RoutesManager
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	route, matched := h.routesManager.SearchMatchedRouteForRequest(r)
	if !matched {
		h.next.ServeHTTP(rw, r)
		return
	}
	next := h.next
	for i := len(route.Middlewares) - 1; i >= 0; i-- {
		next = route.Middlewares[i](next)
	}
	next.ServeHTTP(rw, r)
}

func makeRoutes(
	cfg *Config, errDomain string, mc *MetricsCollector, opts MiddlewareOpts,
) (*restapi.RoutesManager, error) {
	// Rules referencing the same zone must share its quota,
	// so a single rate limiting service is built per zone.
	services := make(map[string]*ratelimit.Service, len(cfg.RateLimitZones))

	var routes []restapi.Route
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		ruleName := rule.Name()

		var ruleMiddlewares []func(http.Handler) http.Handler
		for _, zoneName := range rule.Zones {
			zoneCfg, ok := cfg.RateLimitZones[zoneName]
			if !ok {
				return nil, fmt.Errorf("rate limit zone %q is undefined", zoneName)
			}
			svc := services[zoneName]
			if svc == nil {
				var err error
				if svc, err = makeZoneService(zoneName, &zoneCfg, opts); err != nil {
					return nil, fmt.Errorf("create rate limit service for zone %q: %w", zoneName, err)
				}
				services[zoneName] = svc
			}
			mw, err := makeRateLimitMiddleware(svc, &zoneCfg, ruleName, errDomain, mc, opts)
			if err != nil {
				return nil, fmt.Errorf("create rate limit middleware for zone %q: %w", zoneName, err)
			}
			ruleMiddlewares = append(ruleMiddlewares, mw)
		}

		for _, routeCfg := range rule.Routes {
			routes = append(routes, restapi.NewRoute(routeCfg, ruleMiddlewares))
		}
		for _, routeCfg := range rule.ExcludedRoutes {
			routes = append(routes, restapi.NewExcludedRoute(routeCfg))
		}
	}

	return restapi.NewRoutesManager(routes), nil
}

func makeZoneService(zoneName string, cfg *RateLimitZoneConfig, opts MiddlewareOpts) (*ratelimit.Service, error) {
	storeKind := cfg.Store
	if storeKind == "" {
		storeKind = ratelimit.StoreKindMemory
	}

	var store ratelimit.Store
	switch storeKind {
	case ratelimit.StoreKindMemory:
		memStore, err := memstore.NewWithOpts(memstore.Opts{MaxKeys: cfg.MaxKeys, TimeNow: opts.TimeNow})
		if err != nil {
			return nil, err
		}
		store = memStore
	case ratelimit.StoreKindRedis:
		if opts.RedisClient == nil {
			return nil, fmt.Errorf("redis client is required for %q store", ratelimit.StoreKindRedis)
		}
		store = redisstore.NewWithOpts(opts.RedisClient, redisstore.Opts{TimeNow: opts.TimeNow})
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = ratelimit.AlgorithmFixedWindow
	}

	maxRequests := cfg.RateLimit.Count
	var refillRate float64
	if algorithm == ratelimit.AlgorithmTokenBucket {
		// For the token bucket, the configured rate defines the refill speed,
		// and the burst limit (if any) overrides the bucket capacity.
		refillRate = float64(cfg.RateLimit.Count)
		if cfg.BurstLimit > 0 {
			maxRequests = cfg.BurstLimit
		}
	}

	return ratelimit.NewService(ratelimit.Config{
		Window:      cfg.RateLimit.Duration,
		MaxRequests: maxRequests,
		Algorithm:   algorithm,
		Store:       storeKind,
		RefillRate:  refillRate,
		KeyPrefix:   zoneKeyPrefix + ":" + zoneName,
	}, store, ratelimit.ServiceOpts{
		Logger:             opts.Logger,
		TimeNow:            opts.TimeNow,
		LeakyBucketMaxKeys: cfg.MaxKeys,
	})
}

func makeRateLimitMiddleware(
	svc *ratelimit.Service, cfg *RateLimitZoneConfig, ruleName, errDomain string,
	mc *MetricsCollector, opts MiddlewareOpts,
) (func(next http.Handler) http.Handler, error) {
	getKey, err := makeGetKeyFunc(cfg.Key, opts.GetKeyIdentity, cfg.ExcludedKeys, cfg.IncludedKeys)
	if err != nil {
		return nil, err
	}

	var getRetryAfter middleware.GetRetryAfterFunc
	if !cfg.ResponseRetryAfter.IsAuto && cfg.ResponseRetryAfter.Duration != 0 {
		retryAfter := cfg.ResponseRetryAfter.Duration
		getRetryAfter = func(_ *http.Request, _ time.Duration) time.Duration {
			return retryAfter
		}
	}

	onReject := opts.RateLimitOnReject
	if onReject == nil {
		onReject = middleware.DefaultOnReject
	}
	onRejectWithMetrics := func(
		rw http.ResponseWriter, r *http.Request, params middleware.Params, next http.Handler, logger log.FieldLogger,
	) {
		mc.incRateLimitRejects(ruleName, false)
		if logger != nil {
			logger = logger.With(log.String(RuleLogFieldName, ruleName))
		}
		onReject(rw, r, params, next, logger)
	}

	onRejectInDryRun := opts.RateLimitOnRejectInDryRun
	if onRejectInDryRun == nil {
		onRejectInDryRun = middleware.DefaultOnRejectInDryRun
	}
	onRejectInDryRunWithMetrics := func(
		rw http.ResponseWriter, r *http.Request, params middleware.Params, next http.Handler, logger log.FieldLogger,
	) {
		mc.incRateLimitRejects(ruleName, true)
		if logger != nil {
			logger = logger.With(log.String(RuleLogFieldName, ruleName))
		}
		onRejectInDryRun(rw, r, params, next, logger)
	}

	return middleware.HTTPMiddleware(svc, errDomain, middleware.HTTPMiddlewareOpts{
		GetKey:             getKey,
		ErrorPolicy:        cfg.OnError,
		ResponseStatusCode: cfg.getResponseStatusCode(),
		GetRetryAfter:      getRetryAfter,
		DryRun:             cfg.DryRun,
		Logger:             opts.Logger,
		OnReject:           onRejectWithMetrics,
		OnRejectInDryRun:   onRejectInDryRunWithMetrics,
		OnError:            opts.RateLimitOnError,
	})
}

// nolint: gocyclo // we would like to have high functional cohesion here.
func makeGetKeyFunc(
	cfg ZoneKeyConfig,
	getKeyIdentity middleware.GetKeyFunc,
	excludedKeys []string,
	includedKeys []string,
) (middleware.GetKeyFunc, error) {
	makeByType := func() (middleware.GetKeyFunc, error) {
		switch cfg.Type {
		case ZoneKeyTypeIdentity:
			if getKeyIdentity == nil {
				return nil, fmt.Errorf("GetKeyIdentity is required for %q key zone type", ZoneKeyTypeIdentity)
			}
			return getKeyIdentity, nil
		case ZoneKeyTypeHTTPHeader:
			return func(r *http.Request) (string, bool, error) {
				headerVal := strings.TrimSpace(r.Header.Get(cfg.HeaderName))
				if cfg.NoBypassEmpty && headerVal == "" {
					return emptyKeyZoneIdentifier, false, nil
				}
				return headerVal, headerVal == "", nil
			}, nil
		case ZoneKeyTypeRemoteAddr:
			return func(r *http.Request) (string, bool, error) {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				return host, false, err
			}, nil
		case ZoneKeyTypeNoKey:
			return func(_ *http.Request) (string, bool, error) {
				return globalZoneIdentifier, false, nil
			}, nil
		}
		return nil, fmt.Errorf("unknown key type %q", cfg.Type)
	}

	getKey, err := makeByType()
	if err != nil {
		return nil, err
	}
	if len(excludedKeys) == 0 && len(includedKeys) == 0 {
		return getKey, nil
	}

	if len(excludedKeys) != 0 && len(includedKeys) != 0 {
		return nil, fmt.Errorf("excluded and included keys cannot be used together")
	}

	makeWithPredefinedKeys := func(keys []string, exclude bool) middleware.GetKeyFunc {
		compiledKeys := make([]func(s string) bool, 0, len(keys))
		for _, key := range keys {
			compiledKeys = append(compiledKeys, glob.Compile(key))
		}
		return func(r *http.Request) (string, bool, error) {
			key, bypass, getKeyErr := getKey(r)
			if getKeyErr != nil {
				return key, bypass, getKeyErr
			}
			if bypass {
				return key, bypass, nil
			}
			keyFound := false
			for i := range compiledKeys {
				if compiledKeys[i](key) {
					keyFound = true
					break
				}
			}
			return key, keyFound == exclude, nil
		}
	}

	if len(excludedKeys) != 0 {
		return makeWithPredefinedKeys(excludedKeys, true), nil
	}
	return makeWithPredefinedKeys(includedKeys, false), nil
}
