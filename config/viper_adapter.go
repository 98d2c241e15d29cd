/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is a DataProvider implementation on top of the viper library.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter returns an adapter backed by a fresh viper instance.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars allows filling configuration parameters from environment variables.
// Only variables starting with the given prefix are considered,
// e.g. for the "app" prefix, the key "limiter.rate" maps to APP_LIMITER_RATE.
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.SetEnvPrefix(prefix)
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.AutomaticEnv()
}

// Set overrides the value for the key, taking precedence over all other sources.
func (va *ViperAdapter) Set(key string, value interface{}) {
	va.viper.Set(key, value)
}

// SetDefault sets the default value for the key.
// The default is used only when no value is provided via config data or environment.
func (va *ViperAdapter) SetDefault(key string, value interface{}) {
	va.viper.SetDefault(key, value)
}

// IsSet reports whether the key has a value in any of the data locations.
// The key is matched case-insensitively.
func (va *ViperAdapter) IsSet(key string) bool {
	return va.viper.IsSet(key)
}

// Get returns the raw value for the key.
func (va *ViperAdapter) Get(key string) interface{} {
	return va.viper.Get(key)
}

// SetFromFile makes the adapter read configuration data from the file on the given path.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	return va.viper.ReadInConfig()
}

// SetFromReader makes the adapter read configuration data from the passed reader.
func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	return va.viper.ReadConfig(reader)
}

func lookup[T any](va *ViperAdapter, key string, castTo func(interface{}) (T, error)) (T, error) {
	res, err := castTo(va.Get(key))
	return res, WrapKeyErrIfNeeded(key, err)
}

// GetInt reads the key as an int.
func (va *ViperAdapter) GetInt(key string) (int, error) {
	return lookup(va, key, cast.ToIntE)
}

// GetFloat64 reads the key as a float64.
func (va *ViperAdapter) GetFloat64(key string) (float64, error) {
	return lookup(va, key, cast.ToFloat64E)
}

// GetString reads the key as a string.
func (va *ViperAdapter) GetString(key string) (string, error) {
	return lookup(va, key, cast.ToStringE)
}

// GetBool reads the key as a bool.
func (va *ViperAdapter) GetBool(key string) (bool, error) {
	return lookup(va, key, cast.ToBoolE)
}

// GetStringSlice reads the key as a slice of strings.
// A missing key yields a nil slice and no error.
func (va *ViperAdapter) GetStringSlice(key string) ([]string, error) {
	val := va.Get(key)
	if val == nil {
		return nil, nil
	}
	return lookup(va, key, cast.ToStringSliceE)
}

// GetStringFromSet reads the key as a string limited to the passed set of allowed values.
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", WrapKeyErrIfNeeded(key, err)
	}
	for _, candidate := range set {
		if str == candidate || (ignoreCase && strings.EqualFold(str, candidate)) {
			return str, nil
		}
	}
	return "", WrapKeyErrIfNeeded(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// GetDuration reads the key as a duration.
// A missing key yields zero and no error.
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	val := va.Get(key)
	if val == nil {
		return 0, nil
	}
	return lookup(va, key, cast.ToDurationE)
}

// GetBytesCount reads the key as a size in bytes.
// Strings are parsed in the human-readable bytes format ("256M", "1G" and so on).
func (va *ViperAdapter) GetBytesCount(key string) (BytesCount, error) {
	val := va.Get(key)
	if val == nil {
		return 0, nil
	}
	return castToBytesCount(val)
}

func castToBytesCount(val interface{}) (BytesCount, error) {
	switch v := val.(type) {
	case string:
		n, err := bytefmt.ToBytes(v)
		if err != nil {
			return 0, fmt.Errorf("invalid bytes format: %s", v)
		}
		return BytesCount(n), nil

	case BytesCount:
		return v, nil

	case int, int8, int16, int32, int64:
		n := cast.ToInt64(val)
		if n < 0 {
			return 0, fmt.Errorf("negative value is not allowed: %d", n)
		}
		return BytesCount(n), nil

	case uint, uint8, uint16, uint32, uint64:
		return BytesCount(cast.ToUint64(val)), nil

	case float32, float64:
		return BytesCount(uint64(cast.ToFloat64(val))), nil

	default:
		return 0, fmt.Errorf("unsupported type for BytesCount: %T", val)
	}
}

// Unmarshal unmarshals the whole config data into the passed struct.
func (va *ViperAdapter) Unmarshal(rawVal interface{}, opts ...DecoderConfigOption) error {
	return va.viper.Unmarshal(rawVal, viperDecoderOpts(opts)...)
}

// UnmarshalKey unmarshals the config data under the single key into the passed struct.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	return WrapKeyErrIfNeeded(key, va.viper.UnmarshalKey(key, rawVal, viperDecoderOpts(opts)...))
}

func viperDecoderOpts(opts []DecoderConfigOption) []viper.DecoderConfigOption {
	out := make([]viper.DecoderConfigOption, 0, len(opts))
	for _, opt := range opts {
		out = append(out, viper.DecoderConfigOption(opt))
	}
	return out
}

// WrapKeyErr annotates the error with the key it relates to.
func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}
