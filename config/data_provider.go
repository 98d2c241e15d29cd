/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DataType identifies the format configuration data is written in.
type DataType string

// Supported configuration data formats.
const (
	DataTypeYAML DataType = "yaml"
	DataTypeJSON DataType = "json"
)

// DataProvider reads configuration values from the underlying sources
// (files, readers, environment variables) and converts them to typed values.
type DataProvider interface {
	UseEnvVars(prefix string)

	SetFromFile(path string, dataType DataType) error
	SetFromReader(reader io.Reader, dataType DataType) error

	Set(key string, value interface{})
	SetDefault(key string, value interface{})
	IsSet(key string) bool

	Get(key string) interface{}
	GetString(key string) (string, error)
	GetStringFromSet(key string, set []string, ignoreCase bool) (string, error)
	GetStringSlice(key string) ([]string, error)
	GetBool(key string) (bool, error)
	GetInt(key string) (int, error)
	GetFloat64(key string) (float64, error)
	GetDuration(key string) (time.Duration, error)
	GetBytesCount(key string) (BytesCount, error)

	Unmarshal(rawVal interface{}, opts ...DecoderConfigOption) error
	UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error

	WrapKeyErr(key string, err error) error
}

// DecoderConfigOption tunes the mapstructure decoder used by Unmarshal and UnmarshalKey.
type DecoderConfigOption func(*mapstructure.DecoderConfig)

// WrapKeyErr prefixes the error with the configuration key it relates to.
func WrapKeyErr(key string, err error) error {
	return fmt.Errorf("%s: %w", key, err)
}

// WrapKeyErrIfNeeded is a nil-tolerant version of WrapKeyErr.
func WrapKeyErrIfNeeded(key string, err error) error {
	if err != nil {
		return WrapKeyErr(key, err)
	}
	return nil
}
