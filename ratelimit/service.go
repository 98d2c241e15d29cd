/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/hicaroostreb/saas-boilerplate-sub004/internal/libinfo"
	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

// ServiceOpts represents an options for Service.
type ServiceOpts struct {
	// Logger is used for reporting storage failures. No logging happens when nil.
	Logger log.FieldLogger

	// KeyFunc overrides the default storage key derivation. Returned keys
	// are still subject to the configured length bound.
	KeyFunc KeyFunc

	// TimeNow is used to obtain the current time. time.Now is used when nil.
	TimeNow func() time.Time

	// Metrics collects admission metrics. Disabled when nil.
	Metrics MetricsCollector

	// LeakyBucketMaxKeys bounds the key cardinality of the in-process
	// leaky-bucket limiter. DefaultLeakyBucketMaxKeys is used when zero.
	LeakyBucketMaxKeys int
}

// Service ties a validated configuration, a key generator, and a storage
// gateway together and exposes the admission API. The algorithm dispatch is
// resolved once at construction, so an unknown algorithm cannot be reached at
// check time. All dependencies are passed in explicitly; the package keeps no
// global state.
type Service struct {
	cfg       Config
	store     Store
	keyFunc   KeyFunc
	timeNow   func() time.Time
	logger    log.FieldLogger
	metrics   MetricsCollector
	checkFn   func(ctx context.Context, key string) (Result, error)
	leaky     *leakyBucketLimiter
	id        string
	startedAt time.Time
}

// NewService creates a new Service for the given configuration and storage
// gateway. The configuration is validated eagerly; an invalid one fails the
// construction and produces no side effects.
func NewService(cfg Config, store Store, opts ServiceOpts) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, NewValidationError("store is required")
	}
	if store.Kind() != cfg.Store {
		return nil, NewValidationError(
			"store kind mismatch: config wants %q, gateway is %q", cfg.Store, store.Kind())
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		timeNow: opts.TimeNow,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		id:      xid.New().String(),
	}
	if s.timeNow == nil {
		s.timeNow = time.Now
	}
	if s.logger == nil {
		s.logger = log.NewDisabledLogger()
	}
	if s.metrics == nil {
		s.metrics = disabledMetrics{}
	}
	s.startedAt = s.timeNow()

	if opts.KeyFunc != nil {
		s.keyFunc = boundKeyFunc(opts.KeyFunc, cfg.MaxKeyLength)
	} else {
		s.keyFunc = NewKeyGenerator(cfg.KeyPrefix, cfg.MaxKeyLength).Generate
	}

	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		s.checkFn = func(ctx context.Context, key string) (Result, error) {
			return store.CheckFixedWindow(ctx, key, WindowParams{
				Now:         s.timeNow(),
				Window:      cfg.Window,
				MaxRequests: cfg.MaxRequests,
			})
		}
	case AlgorithmSlidingWindow:
		s.checkFn = func(ctx context.Context, key string) (Result, error) {
			return store.CheckSlidingWindow(ctx, key, SlidingParams{
				Now:         s.timeNow(),
				Window:      cfg.Window,
				MaxRequests: cfg.MaxRequests,
			})
		}
	case AlgorithmTokenBucket:
		s.checkFn = func(ctx context.Context, key string) (Result, error) {
			return store.CheckTokenBucket(ctx, key, s.bucketParams(s.timeNow()))
		}
	case AlgorithmLeakyBucket:
		maxKeys := opts.LeakyBucketMaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultLeakyBucketMaxKeys
		}
		leaky, err := newLeakyBucketLimiter(cfg.Window, cfg.MaxRequests, maxKeys)
		if err != nil {
			return nil, err
		}
		s.leaky = leaky
		s.checkFn = func(ctx context.Context, key string) (Result, error) {
			return leaky.check(ctx, key, s.timeNow())
		}
	}

	return s, nil
}

// MustService is a version of NewService that panics on error.
func MustService(cfg Config, store Store, opts ServiceOpts) *Service {
	s, err := NewService(cfg, store, opts)
	if err != nil {
		panic(err)
	}
	return s
}

// CheckLimit runs one admission check for the identifier. The returned
// Result is valid only when the error is nil.
func (s *Service) CheckLimit(ctx context.Context, identifier string) (Result, error) {
	key, err := s.keyFor(identifier)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	res, err := s.checkFn(ctx, key)
	if err != nil {
		s.observeStorageError(err)
		return Result{}, err
	}
	s.metrics.ObserveCheck(s.cfg.Algorithm, s.cfg.Store, res.Allowed, time.Since(start))
	return res, nil
}

// ResetLimit removes all accumulated state of the identifier, so the next
// check starts from a clean quota. Resetting an identifier that has no state
// is not an error, which makes the operation idempotent.
func (s *Service) ResetLimit(ctx context.Context, identifier string) error {
	key, err := s.keyFor(identifier)
	if err != nil {
		return err
	}
	if s.leaky != nil {
		s.leaky.forget(key)
		return nil
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.observeStorageError(err)
		return err
	}
	return nil
}

// CheckMultipleLimit checks all identifiers in parallel. A check that fails
// for one identifier marks that identifier as not allowed and does not
// disturb its siblings. The returned map holds one entry per distinct
// identifier. An empty input yields an empty map.
func (s *Service) CheckMultipleLimit(ctx context.Context, identifiers []string) (map[string]Result, error) {
	results := make(map[string]Result, len(identifiers))
	if len(identifiers) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, identifier := range identifiers {
		identifier := identifier
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CheckLimit(ctx, identifier)
			if err != nil {
				s.logger.Error("rate limit check failed for identifier in batch",
					log.String("identifier", identifier), log.Error(err))
				res = Result{Allowed: false, Limit: s.cfg.MaxRequests}
			}
			mu.Lock()
			results[identifier] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results, nil
}

// PredictAvailability returns the earliest moment a new check for the
// identifier could be admitted. The projection consumes no quota and mutates
// nothing. Supported for the token-bucket algorithm only.
func (s *Service) PredictAvailability(ctx context.Context, identifier string) (time.Time, error) {
	if s.cfg.Algorithm != AlgorithmTokenBucket {
		return time.Time{}, NewValidationError(
			"availability prediction requires the token-bucket algorithm, configured is %q", s.cfg.Algorithm)
	}
	key, err := s.keyFor(identifier)
	if err != nil {
		return time.Time{}, err
	}
	rec, err := s.store.FindByKey(ctx, key)
	if err != nil {
		s.observeStorageError(err)
		return time.Time{}, err
	}
	return PredictTokenAvailability(rec, s.bucketParams(s.timeNow())), nil
}

// GetConfig returns a copy of the service configuration.
func (s *Service) GetConfig() Config {
	return s.cfg
}

// HealthStatus describes the current state of the service and its storage.
type HealthStatus struct {
	// OK reports whether the service can serve admission checks.
	OK bool

	// InstanceID identifies this Service instance.
	InstanceID string

	// Version is the version of this library as recorded in the build info.
	Version string

	// Uptime is the time elapsed since the service was constructed.
	Uptime time.Duration

	// Algorithm and Store summarize the active configuration.
	Algorithm Algorithm
	Store     StoreKind

	// StorageOK, StorageLatency, and StorageDetails carry the outcome of the
	// storage probe.
	StorageOK      bool
	StorageLatency time.Duration
	StorageDetails string
}

// GetHealthStatus probes the storage gateway and reports the service health.
func (s *Service) GetHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{
		InstanceID: s.id,
		Version:    libinfo.GetLibVersion(),
		Uptime:     s.timeNow().Sub(s.startedAt),
		Algorithm:  s.cfg.Algorithm,
		Store:      s.cfg.Store,
	}
	probe, err := s.store.HealthCheck(ctx)
	if err != nil {
		s.observeStorageError(err)
		status.StorageDetails = err.Error()
		return status
	}
	status.OK = probe.OK
	status.StorageOK = probe.OK
	status.StorageLatency = probe.Latency
	status.StorageDetails = probe.Details
	return status
}

func (s *Service) keyFor(identifier string) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", NewValidationError("identifier must not be empty")
	}
	return s.keyFunc(identifier, s.cfg.Algorithm)
}

func (s *Service) bucketParams(now time.Time) BucketParams {
	return BucketParams{
		Now:        now,
		Interval:   s.cfg.Window,
		Capacity:   s.cfg.MaxRequests,
		RefillRate: s.cfg.refillRate(),
	}
}

func (s *Service) observeStorageError(err error) {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		s.metrics.IncStorageErrors(storageErr.Op)
	}
}

// boundKeyFunc wraps a custom key derivation with the same length bound the
// default generator enforces.
func boundKeyFunc(fn KeyFunc, maxLength int) KeyFunc {
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	return func(identifier string, alg Algorithm) (string, error) {
		key, err := fn(identifier, alg)
		if err != nil {
			return "", err
		}
		if len(key) > maxLength {
			return "", NewValidationError("generated key length %d exceeds the limit of %d characters", len(key), maxLength)
		}
		return key, nil
	}
}
