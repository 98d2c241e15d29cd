/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
	"github.com/hicaroostreb/saas-boilerplate-sub004/restapi"
)

// RateLimitLogFieldKey is the name of the logged field that contains the rate
// limiting identifier.
const RateLimitLogFieldKey = "rate_limit_key"

const userAgentLogFieldKey = "user_agent"

// GetRetryAfterFunc is a function that is called to get a value for the
// Retry-After response header when the rate limit is exceeded.
type GetRetryAfterFunc func(r *http.Request, estimated time.Duration) time.Duration

// Params contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type Params struct {
	ErrDomain          string
	ErrorPolicy        ErrorPolicy
	Identifier         string
	ResponseStatusCode int
	GetRetryAfter      GetRetryAfterFunc

	// Result is the admission outcome. It is the zero value when the check
	// itself failed.
	Result ratelimit.Result
}

// OnRejectFunc is a function that is called for rejecting the HTTP request
// when the rate limit is exceeded.
type OnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params Params, next http.Handler, logger log.FieldLogger)

// OnErrorFunc is a function that is called when an error occurs during the
// admission check.
type OnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params Params, err error, next http.Handler, logger log.FieldLogger)

// HTTPMiddlewareOpts represents options for the HTTP rate limiting middleware.
type HTTPMiddlewareOpts struct {
	// GetKey extracts the rate limiting identifier from the request.
	// GetKeyByIP is used when nil.
	GetKey GetKeyFunc

	// ErrorPolicy determines the reaction to admission check failures.
	// ErrorPolicyFailOpen is used when empty.
	ErrorPolicy ErrorPolicy

	// ResponseStatusCode is the HTTP status code of the default rejection
	// response. http.StatusTooManyRequests is used when zero.
	ResponseStatusCode int

	// GetRetryAfter overrides the Retry-After value of the default rejection
	// response. The estimated wait from the admission result is used when nil.
	GetRetryAfter GetRetryAfterFunc

	// DryRun evaluates and logs rejections without actually blocking requests.
	DryRun bool

	// DisableHeaders suppresses the X-RateLimit response headers. The headers
	// are also suppressed when the service configuration disables them.
	DisableHeaders bool

	// LegacyHeaders additionally mirrors the X-Rate-Limit-* header variants.
	// The mirroring is also enabled when the service configuration enables it.
	LegacyHeaders bool

	// Logger is used for reporting rejections and errors. No logging happens
	// when nil.
	Logger log.FieldLogger

	OnReject         OnRejectFunc
	OnRejectInDryRun OnRejectFunc
	OnError          OnErrorFunc
}

type httpRateLimitHandler struct {
	next           http.Handler
	svc            *ratelimit.Service
	getKey         GetKeyFunc
	errDomain      string
	errorPolicy    ErrorPolicy
	respStatusCode int
	getRetryAfter  GetRetryAfterFunc
	processOpts    Options
	logger         log.FieldLogger

	onReject OnRejectFunc
	onError  OnErrorFunc
}

func (h *httpRateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestHandler := &httpRequestHandler{rw: rw, r: r, parent: h}
	_ = Process(requestHandler, h.svc, h.processOpts) // Error is always nil, it is handled in the httpRequestHandler methods.
}

// httpRequestHandler implements Handler for HTTP requests.
type httpRequestHandler struct {
	rw         http.ResponseWriter
	r          *http.Request
	parent     *httpRateLimitHandler
	identifier string
}

func (h *httpRequestHandler) Context() context.Context {
	return h.r.Context()
}

func (h *httpRequestHandler) Identifier() (string, bool, error) {
	identifier, bypass, err := h.parent.getKey(h.r)
	h.identifier = identifier
	return identifier, bypass, err
}

func (h *httpRequestHandler) SetHeader(name, value string) {
	h.rw.Header().Set(name, value)
}

func (h *httpRequestHandler) Execute() error {
	h.parent.next.ServeHTTP(h.rw, h.r)
	return nil
}

func (h *httpRequestHandler) OnReject(res ratelimit.Result) error {
	h.parent.onReject(h.rw, h.r, h.makeParams(res), h.parent.next, h.parent.logger)
	return nil
}

func (h *httpRequestHandler) OnError(err error) error {
	h.parent.onError(h.rw, h.r, h.makeParams(ratelimit.Result{}), err, h.parent.next, h.parent.logger)
	return nil
}

func (h *httpRequestHandler) makeParams(res ratelimit.Result) Params {
	return Params{
		ErrDomain:          h.parent.errDomain,
		ErrorPolicy:        h.parent.errorPolicy,
		Identifier:         h.identifier,
		ResponseStatusCode: h.parent.respStatusCode,
		GetRetryAfter:      h.parent.getRetryAfter,
		Result:             res,
	}
}

// HTTPMiddleware returns a middleware that limits the rate of HTTP requests
// using the passed service. Requests rejected by the limit receive a 429
// response with the restapi error payload, unless OnReject overrides that.
func HTTPMiddleware(svc *ratelimit.Service, errDomain string, opts HTTPMiddlewareOpts) (func(next http.Handler) http.Handler, error) {
	if svc == nil {
		return nil, ratelimit.NewValidationError("rate limit service is required")
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = ErrorPolicyFailOpen
	}
	if !opts.ErrorPolicy.IsValid() {
		return nil, ratelimit.NewValidationError("unknown error policy %q", opts.ErrorPolicy)
	}
	getKey := opts.GetKey
	if getKey == nil {
		getKey = GetKeyByIP
	}
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}
	cfg := svc.GetConfig()
	processOpts := Options{
		DisableHeaders: opts.DisableHeaders || cfg.DisableHeaders,
		LegacyHeaders:  opts.LegacyHeaders || cfg.LegacyHeaders,
	}

	return func(next http.Handler) http.Handler {
		return &httpRateLimitHandler{
			next:           next,
			svc:            svc,
			getKey:         getKey,
			errDomain:      errDomain,
			errorPolicy:    opts.ErrorPolicy,
			respStatusCode: respStatusCode,
			getRetryAfter:  opts.GetRetryAfter,
			processOpts:    processOpts,
			logger:         opts.Logger,
			onReject:       makeOnRejectFunc(opts),
			onError:        makeOnErrorFunc(opts),
		}
	}, nil
}

// MustHTTPMiddleware is a version of HTTPMiddleware that panics on error.
func MustHTTPMiddleware(svc *ratelimit.Service, errDomain string, opts HTTPMiddlewareOpts) func(next http.Handler) http.Handler {
	mw, err := HTTPMiddleware(svc, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

// DefaultOnReject sends an error response with the Retry-After header when
// the rate limit is exceeded. The status code is taken from the params
// (http.StatusTooManyRequests when unset).
func DefaultOnReject(
	rw http.ResponseWriter, r *http.Request, params Params, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfter := params.Result.RetryAfter
	if params.GetRetryAfter != nil {
		retryAfter = params.GetRetryAfter(r, retryAfter)
	}
	rw.Header().Set(HeaderRetryAfter, FormatRetryAfter(retryAfter))
	code := params.ResponseStatusCode
	if code == 0 {
		code = http.StatusTooManyRequests
	}
	restapi.RespondError(rw, code, restapi.NewTooManyRequestsError(params.ErrDomain), logger)
}

// DefaultOnRejectInDryRun logs the rejection and continues serving.
func DefaultOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params Params, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultOnError reacts to a failed admission check according to the
// configured error policy: fail-open serves the request, fail-closed sends a
// 503 response. The error is logged either way.
func DefaultOnError(
	rw http.ResponseWriter, r *http.Request, params Params, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Identifier))
	}
	if params.ErrorPolicy == ErrorPolicyFailClosed {
		apiErr := restapi.NewError(params.ErrDomain, restapi.ErrCodeServiceUnavailable, restapi.ErrMessageServiceUnavailable)
		restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
		return
	}
	next.ServeHTTP(rw, r)
}

func makeOnRejectFunc(opts HTTPMiddlewareOpts) OnRejectFunc {
	if opts.DryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultOnReject
}

func makeOnErrorFunc(opts HTTPMiddlewareOpts) OnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultOnError
}
