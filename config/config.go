/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import "reflect"

// Config is the contract between the Loader and the configuration objects it fills.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is an interface for providing a key prefix
// under which all configuration parameters of an object are nested.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// prefixedProviderFor wraps dp with the key prefix of v when v provides a non-empty one.
func prefixedProviderFor(v interface{}, dp DataProvider) DataProvider {
	if kp, ok := v.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
		return NewKeyPrefixedDataProvider(dp, kp.KeyPrefix())
	}
	return dp
}

// CallSetProviderDefaultsForFields walks the exported fields of obj and calls
// SetProviderDefaults on every non-nil field implementing the Config interface.
// It allows composite configuration objects to delegate to their parts.
func CallSetProviderDefaultsForFields(obj interface{}, dp DataProvider) {
	_ = forEachConfigField(obj, dp, func(c Config, cDp DataProvider) error {
		c.SetProviderDefaults(cDp)
		return nil
	})
}

// CallSetForFields walks the exported fields of obj and calls Set
// on every non-nil field implementing the Config interface.
func CallSetForFields(obj interface{}, dp DataProvider) error {
	return forEachConfigField(obj, dp, func(c Config, cDp DataProvider) error {
		return c.Set(cDp)
	})
}

func forEachConfigField(obj interface{}, dp DataProvider, fn func(c Config, cDp DataProvider) error) error {
	objVal := reflect.ValueOf(obj).Elem()
	objType := objVal.Type()
	for i := 0; i < objVal.NumField(); i++ {
		if !objType.Field(i).IsExported() {
			continue
		}
		fieldVal := objVal.Field(i).Interface()
		c, ok := fieldVal.(Config)
		if !ok || isNilPtr(fieldVal) {
			continue
		}
		if err := fn(c, prefixedProviderFor(fieldVal, dp)); err != nil {
			return err
		}
	}
	return nil
}

func isNilPtr(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
