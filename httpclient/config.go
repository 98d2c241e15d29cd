/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"errors"
	"time"

	"github.com/hicaroostreb/saas-boilerplate-sub004/config"
	"github.com/hicaroostreb/saas-boilerplate-sub004/retry"
)

// DefaultClientWaitTimeout is a default timeout for the whole request, retries included.
const DefaultClientWaitTimeout = 10 * time.Second

// Supported retry policy strategies.
const (
	RetryPolicyExponential = "exponential"
	RetryPolicyConstant    = "constant"
)

const (
	cfgKeyTimeout                                 = "timeout"
	cfgKeyRetriesEnabled                          = "retries.enabled"
	cfgKeyRetriesMax                              = "retries.maxAttempts"
	cfgKeyRetriesPolicyStrategy                   = "retries.policy.strategy"
	cfgKeyRetriesPolicyExponentialInitialInterval = "retries.policy.exponentialBackoffInitialInterval"
	cfgKeyRetriesPolicyExponentialMultiplier      = "retries.policy.exponentialBackoffMultiplier"
	cfgKeyRetriesPolicyConstantInterval           = "retries.policy.constantBackoffInterval"
	cfgKeyRateLimitsEnabled                       = "rateLimits.enabled"
	cfgKeyRateLimitsLimit                         = "rateLimits.limit"
	cfgKeyRateLimitsBurst                         = "rateLimits.burst"
	cfgKeyRateLimitsWaitTimeout                   = "rateLimits.waitTimeout"
	cfgKeyRateLimitsMode                          = "rateLimits.mode"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// Config holds the HTTP client configuration: total timeout, retries, and client-side rate limiting.
type Config struct {
	// Retries configures retrying of failed requests.
	Retries RetriesConfig `mapstructure:"retries"`

	// RateLimits configures client-side rate limiting of outgoing requests.
	RateLimits RateLimitConfig `mapstructure:"rateLimits"`

	// Timeout is the maximum time the whole request may take.
	Timeout time.Duration `mapstructure:"timeout"`

	keyPrefix string
}

// NewConfig creates a new Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new Config whose keys are looked up
// under the given prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns the prefix under which all configuration keys of the client live.
// Implements the config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default values for the client keys in the data provider.
// Implements the config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTimeout, DefaultClientWaitTimeout)
	dp.SetDefault(cfgKeyRetriesPolicyExponentialInitialInterval, DefaultExponentialBackoffInitialInterval)
	dp.SetDefault(cfgKeyRetriesPolicyExponentialMultiplier, DefaultExponentialBackoffMultiplier)
}

// Set fills the Config from the data provider and validates the values.
// Implements the config.Config interface.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.Timeout, err = dp.GetDuration(cfgKeyTimeout); err != nil {
		return err
	}
	if err = c.Retries.Set(dp); err != nil {
		return err
	}
	return c.RateLimits.Set(dp)
}

// RetriesConfig configures retrying of failed requests.
type RetriesConfig struct {
	// Enabled is a flag that enables retries.
	Enabled bool `mapstructure:"enabled"`

	// MaxAttempts is the maximum number of retry attempts per request.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// Policy configures the backoff between attempts: [exponential, constant]. Default is exponential.
	Policy PolicyConfig `mapstructure:"policy"`
}

// Set fills the RetriesConfig from the data provider and validates the values.
// Implements the config.Config interface.
func (c *RetriesConfig) Set(dp config.DataProvider) (err error) {
	if c.Enabled, err = dp.GetBool(cfgKeyRetriesEnabled); err != nil {
		return err
	}
	if !c.Enabled {
		return nil
	}

	if c.MaxAttempts, err = dp.GetInt(cfgKeyRetriesMax); err != nil {
		return err
	}
	if c.MaxAttempts < 0 {
		return errors.New("client max retry attempts must be positive")
	}

	return c.Policy.Set(dp)
}

// SetProviderDefaults implements the config.Config interface.
func (c *RetriesConfig) SetProviderDefaults(_ config.DataProvider) {}

// GetPolicy returns a retry policy based on the strategy or nil if none is provided.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	switch c.Policy.Strategy {
	case RetryPolicyExponential:
		return retry.NewExponentialBackoffPolicyWithOpts(
			c.Policy.ExponentialBackoffInitialInterval, 0,
			retry.ExponentialBackoffOpts{Multiplier: c.Policy.ExponentialBackoffMultiplier},
		)
	case RetryPolicyConstant:
		return retry.NewConstantBackoffPolicy(c.Policy.ConstantBackoffInterval, 0)
	}
	return nil
}

// TransportOpts returns options for RetryableRoundTripper matching the configuration.
func (c *RetriesConfig) TransportOpts() RetryableRoundTripperOpts {
	return RetryableRoundTripperOpts{MaxRetryAttempts: c.MaxAttempts}
}

// PolicyConfig configures the retry backoff policy.
type PolicyConfig struct {
	// Strategy selects the backoff kind: [exponential, constant].
	Strategy string `mapstructure:"strategy"`

	// ExponentialBackoffInitialInterval is the initial interval for exponential backoff.
	ExponentialBackoffInitialInterval time.Duration `mapstructure:"exponentialBackoffInitialInterval"`

	// ExponentialBackoffMultiplier is the multiplier for exponential backoff.
	ExponentialBackoffMultiplier float64 `mapstructure:"exponentialBackoffMultiplier"`

	// ConstantBackoffInterval is the interval for constant backoff.
	ConstantBackoffInterval time.Duration `mapstructure:"constantBackoffInterval"`
}

// Set fills the PolicyConfig from the data provider and validates the values.
// Implements the config.Config interface.
func (c *PolicyConfig) Set(dp config.DataProvider) (err error) {
	if c.Strategy, err = dp.GetString(cfgKeyRetriesPolicyStrategy); err != nil {
		return err
	}
	switch c.Strategy {
	case "":
		return nil
	case RetryPolicyExponential:
		return c.setExponential(dp)
	case RetryPolicyConstant:
		return c.setConstant(dp)
	default:
		return errors.New("client retry policy must be one of: [exponential, constant]")
	}
}

func (c *PolicyConfig) setExponential(dp config.DataProvider) (err error) {
	if c.ExponentialBackoffInitialInterval, err = dp.GetDuration(cfgKeyRetriesPolicyExponentialInitialInterval); err != nil {
		return err
	}
	if c.ExponentialBackoffInitialInterval < 0 {
		return errors.New("client exponential backoff initial interval must be positive")
	}

	if c.ExponentialBackoffMultiplier, err = dp.GetFloat64(cfgKeyRetriesPolicyExponentialMultiplier); err != nil {
		return err
	}
	if c.ExponentialBackoffMultiplier <= 1 {
		return errors.New("client exponential backoff multiplier must be greater than 1")
	}

	return nil
}

func (c *PolicyConfig) setConstant(dp config.DataProvider) (err error) {
	if c.ConstantBackoffInterval, err = dp.GetDuration(cfgKeyRetriesPolicyConstantInterval); err != nil {
		return err
	}
	if c.ConstantBackoffInterval < 0 {
		return errors.New("client constant backoff interval must be positive")
	}
	return nil
}

// SetProviderDefaults implements the config.Config interface.
func (c *PolicyConfig) SetProviderDefaults(_ config.DataProvider) {}

// RateLimitConfig configures client-side rate limiting of outgoing requests.
type RateLimitConfig struct {
	// Enabled is a flag that enables rate limiting.
	Enabled bool `mapstructure:"enabled"`

	// Limit is the maximum number of requests per second.
	Limit int `mapstructure:"limit"`

	// Burst is the number of requests that may pass the limiter at the same moment.
	Burst int `mapstructure:"burst"`

	// Mode determines whether a request waits for a free slot ("wait") or fails immediately ("allow").
	Mode string `mapstructure:"mode"`

	// WaitTimeout is the maximum time to wait for a free slot in the "wait" mode.
	WaitTimeout time.Duration `mapstructure:"waitTimeout"`
}

// Set fills the RateLimitConfig from the data provider and validates the values.
// Implements the config.Config interface.
func (c *RateLimitConfig) Set(dp config.DataProvider) (err error) {
	if c.Enabled, err = dp.GetBool(cfgKeyRateLimitsEnabled); err != nil {
		return err
	}
	if !c.Enabled {
		return nil
	}

	if c.Limit, err = dp.GetInt(cfgKeyRateLimitsLimit); err != nil {
		return err
	}
	if c.Limit <= 0 {
		return errors.New("client rate limit must be positive")
	}

	if c.Burst, err = dp.GetInt(cfgKeyRateLimitsBurst); err != nil {
		return err
	}
	if c.Burst < 0 {
		return errors.New("client burst must be positive")
	}

	if c.Mode, err = dp.GetString(cfgKeyRateLimitsMode); err != nil {
		return err
	}
	if c.Mode != "" && !RateLimitingMode(c.Mode).IsValid() {
		return errors.New("client rate limiting mode must be one of: [wait, allow]")
	}

	if c.WaitTimeout, err = dp.GetDuration(cfgKeyRateLimitsWaitTimeout); err != nil {
		return err
	}
	if c.WaitTimeout < 0 {
		return errors.New("client wait timeout must be positive")
	}

	return nil
}

// SetProviderDefaults implements the config.Config interface.
func (c *RateLimitConfig) SetProviderDefaults(_ config.DataProvider) {}

// TransportOpts returns options for RateLimitingRoundTripper matching the configuration.
func (c *RateLimitConfig) TransportOpts() RateLimitingRoundTripperOpts {
	return RateLimitingRoundTripperOpts{
		Burst:       c.Burst,
		Mode:        RateLimitingMode(c.Mode),
		WaitTimeout: c.WaitTimeout,
	}
}
