/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"fmt"
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"github.com/hicaroostreb/saas-boilerplate-sub004/config"
)

const cfgDefaultKeyPrefix = "log"

const (
	cfgKeyLevel              = "level"
	cfgKeyFormat             = "format"
	cfgKeyOutput             = "output"
	cfgKeyNoColor            = "nocolor"
	cfgKeyAddCaller          = "addCaller"
	cfgKeyErrorNoVerbose     = "error.noVerbose"
	cfgKeyErrorVerboseSuffix = "error.verboseSuffix"
)

const (
	cfgKeyFilePath                     = "file.path"
	cfgKeyFileRotationCompress         = "file.rotation.compress"
	cfgKeyFileRotationMaxSize          = "file.rotation.maxSize"
	cfgKeyFileRotationMaxBackups       = "file.rotation.maxBackups"
	cfgKeyFileRotationMaxAgeDays       = "file.rotation.maxAgeDays"
	cfgKeyFileRotationLocalTimeInNames = "file.rotation.localTimeInNames"
)

// Defaults and lower bounds for the file rotation settings.
const (
	DefaultFileRotationMaxSizeBytes = 1024 * 1024 * 250
	MinFileRotationMaxSizeBytes     = 1024 * 1024

	DefaultFileRotationMaxBackups = 10
	MinFileRotationMaxBackups     = 1

	defaultErrorVerboseSuffix = "_verbose"
)

// Level is a log severity level.
type Level string

// Known log levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

var availableLevels = []string{string(LevelError), string(LevelWarn), string(LevelInfo), string(LevelDebug)}

// Format is an encoding format of log entries.
type Format string

// Known log formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var availableFormats = []string{string(FormatJSON), string(FormatText)}

// Output selects where log entries are written.
type Output string

// Known log outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

var availableOutputs = []string{string(OutputStdout), string(OutputStderr), string(OutputFile)}

// Config holds the logging configuration.
// It can be filled from YAML or JSON with config.Loader, with viper,
// or with plain json.Unmarshal/yaml.Unmarshal.
type Config struct {
	Level   Level            `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format           `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output           `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool             `mapstructure:"nocolor" yaml:"nocolor" json:"nocolor"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file" json:"file"`

	Error ErrorConfig `mapstructure:"error" yaml:"error" json:"error"`

	// AddCaller enables adding the caller (in package/file:line format) to each logged message.
	//
	// An entry then looks like:
	// 	{"level":"info","time":"...","msg":"limit check failed","caller":"ratelimit/service.go:98","key":"..."}
	AddCaller bool `mapstructure:"addCaller" yaml:"addCaller" json:"addCaller"`

	keyPrefix string
}

// FileOutputConfig configures the "file" log output.
type FileOutputConfig struct {
	Path     string             `mapstructure:"path" yaml:"path" json:"path"`
	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation" json:"rotation"`
}

// FileRotationConfig configures rotation of the log file.
type FileRotationConfig struct {
	Compress         bool              `mapstructure:"compress" yaml:"compress" json:"compress"`
	MaxSize          config.BytesCount `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`
	MaxBackups       int               `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays       int               `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`
	LocalTimeInNames bool              `mapstructure:"localTimeInNames" yaml:"localTimeInNames" json:"localTimeInNames"`
}

// ErrorConfig configures how errors are logged.
type ErrorConfig struct {
	// NoVerbose disables logging the verbose error message.
	// When it's off and the logged error implements the fmt.Formatter interface,
	// the verbose message goes to a separate field with the key "error" + VerboseSuffix,
	// unless it renders the same as the plain err.Error().
	NoVerbose     bool   `mapstructure:"noVerbose" yaml:"noVerbose" json:"noVerbose"`
	VerboseSuffix string `mapstructure:"verboseSuffix" yaml:"verboseSuffix" json:"verboseSuffix"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a functional option for Config constructors.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix makes the constructed Config read its keys under the passed
// prefix instead of the default one. The prefix is honored by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

func makeConfigOptions(options []ConfigOption) configOptions {
	o := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, apply := range options {
		apply(&o)
	}
	return o
}

// NewConfig creates a new Config.
func NewConfig(options ...ConfigOption) *Config {
	return &Config{keyPrefix: makeConfigOptions(options).keyPrefix}
}

// NewDefaultConfig creates a new Config populated with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	return &Config{
		keyPrefix: makeConfigOptions(options).keyPrefix,
		Level:     LevelInfo,
		Format:    FormatJSON,
		Output:    OutputStdout,
		File: FileOutputConfig{
			Rotation: FileRotationConfig{
				MaxSize:    DefaultFileRotationMaxSizeBytes,
				MaxBackups: DefaultFileRotationMaxBackups,
			},
		},
		Error: ErrorConfig{
			VerboseSuffix: defaultErrorVerboseSuffix,
		},
	}
}

// KeyPrefix returns the prefix under which all configuration keys of the logger live.
// Implements the config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix != "" {
		return c.keyPrefix
	}
	return cfgDefaultKeyPrefix
}

// SetProviderDefaults sets default values for all logger keys in the data provider.
// Implements the config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyLevel, string(LevelInfo))
	dp.SetDefault(cfgKeyFormat, string(FormatJSON))
	dp.SetDefault(cfgKeyOutput, string(OutputStdout))
	dp.SetDefault(cfgKeyErrorVerboseSuffix, defaultErrorVerboseSuffix)
	dp.SetDefault(cfgKeyFileRotationMaxSize, bytefmt.ByteSize(DefaultFileRotationMaxSizeBytes))
	dp.SetDefault(cfgKeyFileRotationMaxBackups, DefaultFileRotationMaxBackups)
}

// lowerFromSet reads a case-insensitive enum value and lower-cases it.
func lowerFromSet(dp config.DataProvider, key string, allowed []string) (string, error) {
	v, err := dp.GetStringFromSet(key, allowed, true)
	if err != nil {
		return "", err
	}
	return strings.ToLower(v), nil
}

// Set fills the Config from the data provider and validates the values.
// Implements the config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	level, err := lowerFromSet(dp, cfgKeyLevel, availableLevels)
	if err != nil {
		return err
	}
	c.Level = Level(level)

	format, err := lowerFromSet(dp, cfgKeyFormat, availableFormats)
	if err != nil {
		return err
	}
	c.Format = Format(format)

	output, err := lowerFromSet(dp, cfgKeyOutput, availableOutputs)
	if err != nil {
		return err
	}
	c.Output = Output(output)

	if err = c.setFileOutput(dp); err != nil {
		return err
	}

	if c.AddCaller, err = dp.GetBool(cfgKeyAddCaller); err != nil {
		return err
	}
	if c.NoColor, err = dp.GetBool(cfgKeyNoColor); err != nil {
		return err
	}

	if c.Error.NoVerbose, err = dp.GetBool(cfgKeyErrorNoVerbose); err != nil {
		return err
	}
	if c.Error.VerboseSuffix, err = dp.GetString(cfgKeyErrorVerboseSuffix); err != nil {
		return err
	}

	return nil
}

func (c *Config) setFileOutput(dp config.DataProvider) error {
	path, err := dp.GetString(cfgKeyFilePath)
	if err != nil {
		return err
	}
	if path == "" && c.Output == OutputFile {
		return dp.WrapKeyErr(
			cfgKeyFilePath, fmt.Errorf("cannot be empty when %q output is used", OutputFile))
	}
	c.File.Path = path

	var rot FileRotationConfig
	if rot.Compress, err = dp.GetBool(cfgKeyFileRotationCompress); err != nil {
		return err
	}

	if rot.MaxSize, err = dp.GetBytesCount(cfgKeyFileRotationMaxSize); err != nil {
		return err
	}
	if rot.MaxSize < MinFileRotationMaxSizeBytes {
		return dp.WrapKeyErr(cfgKeyFileRotationMaxSize,
			fmt.Errorf("should be >= %s", bytefmt.ByteSize(MinFileRotationMaxSizeBytes)))
	}

	if rot.MaxBackups, err = dp.GetInt(cfgKeyFileRotationMaxBackups); err != nil {
		return err
	}
	if rot.MaxBackups < MinFileRotationMaxBackups {
		return dp.WrapKeyErr(
			cfgKeyFileRotationMaxBackups, fmt.Errorf("should be >= %d", MinFileRotationMaxBackups))
	}

	if rot.MaxAgeDays, err = dp.GetInt(cfgKeyFileRotationMaxAgeDays); err != nil {
		return err
	}
	if rot.MaxAgeDays < 0 {
		return dp.WrapKeyErr(cfgKeyFileRotationMaxAgeDays, fmt.Errorf("should be >= 0"))
	}

	if rot.LocalTimeInNames, err = dp.GetBool(cfgKeyFileRotationLocalTimeInNames); err != nil {
		return err
	}
	c.File.Rotation = rot

	return nil
}
