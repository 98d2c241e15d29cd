/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"io"
	"strings"
	"time"
)

// KeyPrefixedDataProvider is a DataProvider decorator that prepends a fixed prefix
// to every key before delegating the call.
// It allows a configuration object to address its keys relative to its own section.
type KeyPrefixedDataProvider struct {
	delegate  DataProvider
	keyPrefix string
}

var _ DataProvider = (*KeyPrefixedDataProvider)(nil)

// NewKeyPrefixedDataProvider wraps delegate so that all keys are resolved under keyPrefix.
func NewKeyPrefixedDataProvider(delegate DataProvider, keyPrefix string) *KeyPrefixedDataProvider {
	return &KeyPrefixedDataProvider{delegate: delegate, keyPrefix: keyPrefix}
}

// prefixedKey joins the prefix and the key with a dot.
// Either part may be empty, extra dots are trimmed.
func (kp *KeyPrefixedDataProvider) prefixedKey(key string) string {
	joined := kp.keyPrefix + "." + key
	return strings.Trim(joined, ".")
}

// UseEnvVars allows filling configuration parameters from environment variables
// starting with the given prefix. The key prefix is not applied here.
func (kp *KeyPrefixedDataProvider) UseEnvVars(prefix string) {
	kp.delegate.UseEnvVars(prefix)
}

// Set sets the value for the prefixed key in the override register.
func (kp *KeyPrefixedDataProvider) Set(key string, value interface{}) {
	kp.delegate.Set(kp.prefixedKey(key), value)
}

// SetDefault sets the default value for the prefixed key.
func (kp *KeyPrefixedDataProvider) SetDefault(key string, value interface{}) {
	kp.delegate.SetDefault(kp.prefixedKey(key), value)
}

// IsSet reports whether the prefixed key has a value in any of the data locations.
func (kp *KeyPrefixedDataProvider) IsSet(key string) bool {
	return kp.delegate.IsSet(kp.prefixedKey(key))
}

// Get retrieves any value of the prefixed key.
func (kp *KeyPrefixedDataProvider) Get(key string) interface{} {
	return kp.delegate.Get(kp.prefixedKey(key))
}

// SetFromFile makes the underlying provider read configuration data from the file on the given path.
func (kp *KeyPrefixedDataProvider) SetFromFile(path string, dataType DataType) error {
	return kp.delegate.SetFromFile(path, dataType)
}

// SetFromReader makes the underlying provider read configuration data from the passed reader.
func (kp *KeyPrefixedDataProvider) SetFromReader(reader io.Reader, dataType DataType) error {
	return kp.delegate.SetFromReader(reader, dataType)
}

// GetInt tries to retrieve the value of the prefixed key as an integer.
func (kp *KeyPrefixedDataProvider) GetInt(key string) (int, error) {
	return kp.delegate.GetInt(kp.prefixedKey(key))
}

// GetFloat64 tries to retrieve the value of the prefixed key as a float64.
func (kp *KeyPrefixedDataProvider) GetFloat64(key string) (float64, error) {
	return kp.delegate.GetFloat64(kp.prefixedKey(key))
}

// GetString tries to retrieve the value of the prefixed key as a string.
func (kp *KeyPrefixedDataProvider) GetString(key string) (string, error) {
	return kp.delegate.GetString(kp.prefixedKey(key))
}

// GetBool tries to retrieve the value of the prefixed key as a bool.
func (kp *KeyPrefixedDataProvider) GetBool(key string) (bool, error) {
	return kp.delegate.GetBool(kp.prefixedKey(key))
}

// GetStringSlice tries to retrieve the value of the prefixed key as a slice of strings.
func (kp *KeyPrefixedDataProvider) GetStringSlice(key string) ([]string, error) {
	return kp.delegate.GetStringSlice(kp.prefixedKey(key))
}

// GetStringFromSet tries to retrieve the value of the prefixed key
// as a string restricted to the passed set of allowed values.
func (kp *KeyPrefixedDataProvider) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	return kp.delegate.GetStringFromSet(kp.prefixedKey(key), set, ignoreCase)
}

// GetDuration tries to retrieve the value of the prefixed key as a duration.
func (kp *KeyPrefixedDataProvider) GetDuration(key string) (time.Duration, error) {
	return kp.delegate.GetDuration(kp.prefixedKey(key))
}

// GetBytesCount tries to retrieve the value of the prefixed key as a size in bytes.
func (kp *KeyPrefixedDataProvider) GetBytesCount(key string) (BytesCount, error) {
	return kp.delegate.GetBytesCount(kp.prefixedKey(key))
}

// Unmarshal unmarshals the config data under the prefix into the passed struct.
func (kp *KeyPrefixedDataProvider) Unmarshal(rawVal interface{}, opts ...DecoderConfigOption) error {
	return kp.delegate.UnmarshalKey(kp.prefixedKey(""), rawVal, opts...)
}

// UnmarshalKey unmarshals the config data under the single prefixed key into the passed struct.
func (kp *KeyPrefixedDataProvider) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	return kp.delegate.UnmarshalKey(kp.prefixedKey(key), rawVal, opts...)
}

// WrapKeyErr wraps the error adding information about the prefixed key where it occurred.
func (kp *KeyPrefixedDataProvider) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(kp.prefixedKey(key), err)
}
