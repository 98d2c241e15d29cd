/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/hicaroostreb/saas-boilerplate-sub004/config"
)

// Default configuration values.
const (
	// DefaultKeyPrefix is the storage key namespace used when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "ratelimit"

	// DefaultMaxKeyLength bounds the length of generated storage keys when
	// Config.MaxKeyLength is zero.
	DefaultMaxKeyLength = 256

	// DefaultRefillRate is the token-bucket refill rate used when
	// Config.RefillRate is zero.
	DefaultRefillRate = 1.0
)

// Configuration properties.
const (
	cfgKeyAlgorithm  = "algorithm"
	cfgKeyStore      = "store"
	cfgKeyRefillRate = "refillRate"
	cfgKeyKeyPrefix  = "keyPrefix"
)

// Config defines the admission quota, the algorithm, and the storage flavor
// of one rate limiter. Configuration can be loaded in different formats
// (YAML, JSON) using config.Loader or populated directly. A Config is
// validated once at Service construction and never mutated afterwards.
// The custom key derivation is deliberately not part of Config since a
// function cannot be serialized; pass it via ServiceOpts.KeyFunc instead.
type Config struct {
	// Window is the accounting window length, or the refill interval for the
	// token-bucket algorithm. Must be positive.
	Window time.Duration `mapstructure:"window" yaml:"window" json:"window"`

	// MaxRequests is the quota ceiling within one window, or the bucket
	// capacity for token-bucket. Must be positive.
	MaxRequests int `mapstructure:"maxRequests" yaml:"maxRequests" json:"maxRequests"`

	// Algorithm selects the admission algorithm.
	Algorithm Algorithm `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm"`

	// Store selects the storage backend flavor. The gateway passed to
	// NewService must be of the same kind.
	Store StoreKind `mapstructure:"store" yaml:"store" json:"store"`

	// RefillRate is the number of tokens added to a token bucket per Window.
	// Zero means DefaultRefillRate. Ignored by the other algorithms.
	RefillRate float64 `mapstructure:"refillRate" yaml:"refillRate" json:"refillRate"`

	// KeyPrefix namespaces the generated storage keys.
	// Empty means DefaultKeyPrefix.
	KeyPrefix string `mapstructure:"keyPrefix" yaml:"keyPrefix" json:"keyPrefix"`

	// MaxKeyLength bounds the length of generated storage keys.
	// Zero means DefaultMaxKeyLength.
	MaxKeyLength int `mapstructure:"maxKeyLength" yaml:"maxKeyLength" json:"maxKeyLength"`

	// DisableHeaders turns off the rate-limiting response headers in the
	// HTTP middleware.
	DisableHeaders bool `mapstructure:"disableHeaders" yaml:"disableHeaders" json:"disableHeaders"`

	// LegacyHeaders additionally mirrors the response headers under their
	// legacy X-Rate-Limit-* names.
	LegacyHeaders bool `mapstructure:"legacyHeaders" yaml:"legacyHeaders" json:"legacyHeaders"`
}

var _ config.Config = (*Config)(nil)

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAlgorithm, string(AlgorithmFixedWindow))
	dp.SetDefault(cfgKeyStore, string(StoreKindMemory))
	dp.SetDefault(cfgKeyRefillRate, DefaultRefillRate)
	dp.SetDefault(cfgKeyKeyPrefix, DefaultKeyPrefix)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return NewValidationError("window must be positive, got %s", c.Window)
	}
	if c.MaxRequests <= 0 {
		return NewValidationError("max requests must be positive, got %d", c.MaxRequests)
	}
	if !c.Algorithm.IsValid() {
		return NewValidationError("unknown algorithm %q", string(c.Algorithm))
	}
	if !c.Store.IsValid() {
		return NewValidationError("unknown store kind %q", string(c.Store))
	}
	if c.RefillRate < 0 {
		return NewValidationError("refill rate must be positive, got %g", c.RefillRate)
	}
	if c.MaxKeyLength < 0 {
		return NewValidationError("max key length must be positive, got %d", c.MaxKeyLength)
	}
	if c.Algorithm == AlgorithmLeakyBucket && c.Store == StoreKindRedis {
		return NewValidationError("leaky-bucket algorithm supports only the memory store")
	}
	return nil
}

func (c *Config) refillRate() float64 {
	if c.RefillRate > 0 {
		return c.RefillRate
	}
	return DefaultRefillRate
}
