/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// BytesCount is a size in bytes for configuration structures.
// It decodes from plain integers and from human-readable strings like "256M" or "1Gi"
// and always encodes back to the human-readable form.
type BytesCount uint64

// UnmarshalJSON implements the json.Unmarshaler interface.
func (b *BytesCount) UnmarshalJSON(data []byte) error {
	return b.parse(strings.Trim(string(data), `"`))
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (b *BytesCount) UnmarshalYAML(value *yaml.Node) error {
	var num uint64
	if value.Decode(&num) == nil {
		*b = BytesCount(num)
		return nil
	}
	var s string
	if value.Decode(&s) == nil {
		parsed, err := parseBytesCountString(s)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	}
	return fmt.Errorf("invalid byte size format: %v", value)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// mapstructure.TextUnmarshallerHookFunc relies on it when config structures are decoded.
func (b *BytesCount) UnmarshalText(text []byte) error {
	return b.parse(string(text))
}

func (b *BytesCount) parse(s string) error {
	if num, err := strconv.ParseInt(s, 10, 64); err == nil {
		if num < 0 {
			return fmt.Errorf("negative value is not allowed: %d", num)
		}
		*b = BytesCount(num)
		return nil
	}
	parsed, err := parseBytesCountString(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// String implements the fmt.Stringer interface.
func (b BytesCount) String() string {
	return bytefmt.ByteSize(uint64(b))
}

// MarshalJSON implements the json.Marshaler interface.
func (b BytesCount) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (b BytesCount) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (b BytesCount) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func parseBytesCountString(s string) (BytesCount, error) {
	v := strings.TrimSpace(s)

	// Power-of-two units may come in the k8s form ("Mi", "Gi"),
	// while bytefmt understands only the short one ("M", "G").
	for _, unit := range [...]string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei"} {
		if head, ok := strings.CutSuffix(v, unit); ok {
			v = head + unit[:1]
			break
		}
	}

	num, err := bytefmt.ToBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size format (%s): %w", s, err)
	}
	return BytesCount(num), nil
}

// TimeDuration is a time duration for configuration structures.
// It decodes from plain integers holding nanoseconds and from human-readable strings
// like "30s" or "1h30m" and always encodes back to the human-readable form.
type TimeDuration time.Duration

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *TimeDuration) UnmarshalJSON(data []byte) error {
	return d.parse(strings.Trim(string(data), `"`))
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	var num int64
	if value.Decode(&num) == nil {
		if num < 0 {
			return fmt.Errorf("negative value is not allowed: %d", num)
		}
		*d = TimeDuration(num)
		return nil
	}
	var s string
	if value.Decode(&s) == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid time duration format (%s): %w", s, err)
		}
		*d = TimeDuration(dur)
		return nil
	}
	return fmt.Errorf("invalid time duration format: %v", value)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// mapstructure.TextUnmarshallerHookFunc relies on it when config structures are decoded.
func (d *TimeDuration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *TimeDuration) parse(s string) error {
	if num, err := strconv.ParseInt(s, 10, 64); err == nil {
		if num < 0 {
			return fmt.Errorf("negative value is not allowed: %d", num)
		}
		*d = TimeDuration(num)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid time duration format (%s): %w", s, err)
	}
	*d = TimeDuration(dur)
	return nil
}

// String implements the fmt.Stringer interface.
func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements the json.Marshaler interface.
func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (d TimeDuration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
