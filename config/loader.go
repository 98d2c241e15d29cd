/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"io"
)

// Loader reads configuration data into a DataProvider, initializes defaults,
// and fills the passed configuration objects from it.
type Loader struct {
	DataProvider DataProvider
}

// NewLoader creates a new configuration loader on top of the passed data provider.
func NewLoader(dp DataProvider) *Loader {
	return &Loader{DataProvider: dp}
}

// NewDefaultLoader creates a new configuration loader that also reads values
// from environment variables with the passed prefix.
func NewDefaultLoader(envVarsPrefix string) *Loader {
	adapter := NewViperAdapter()
	adapter.UseEnvVars(envVarsPrefix)
	return NewLoader(adapter)
}

// LoadFromFile loads configuration values from a file and sets them in the configuration objects.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return err
	}
	return l.load(cfg, cfgs)
}

// LoadFromReader loads configuration values from a reader and sets them in the configuration objects.
func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return err
	}
	return l.load(cfg, cfgs)
}

// load sets defaults for all configuration objects first so that
// a Set() call of one object may rely on defaults of another.
func (l *Loader) load(first Config, rest []Config) error {
	all := append([]Config{first}, rest...)
	for _, c := range all {
		c.SetProviderDefaults(l.providerFor(c))
	}
	for _, c := range all {
		if err := c.Set(l.providerFor(c)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) providerFor(cfg Config) DataProvider {
	return prefixedProviderFor(cfg, l.DataProvider)
}
