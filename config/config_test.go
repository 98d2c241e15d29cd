/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type testQuotaConfig struct {
	Limit  int
	Burst  int
	Source string

	keyPrefix string
}

func (c *testQuotaConfig) KeyPrefix() string { return c.keyPrefix }

func (c *testQuotaConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("limit", 100)
	dp.SetDefault("burst", 10)
	if c.keyPrefix != "" {
		dp.SetDefault("source", c.keyPrefix+"-source")
	}
}

func (c *testQuotaConfig) Set(dp DataProvider) (err error) {
	if c.Limit, err = dp.GetInt("limit"); err != nil {
		return err
	}
	if c.Burst, err = dp.GetInt("burst"); err != nil {
		return err
	}
	if c.Source, err = dp.GetString("source"); err != nil {
		return err
	}
	return nil
}

type testGatewayConfig struct {
	APIQuota     *testQuotaConfig
	AuthQuota    *testQuotaConfig
	UnsetQuota   *testQuotaConfig
	NilConfig    Config
	FailOpenFlag bool
}

func (c *testGatewayConfig) SetProviderDefaults(dp DataProvider) {
	CallSetProviderDefaultsForFields(c, dp)
}

func (c *testGatewayConfig) Set(dp DataProvider) (err error) {
	if c.FailOpenFlag, err = dp.GetBool("failOpen"); err != nil {
		return err
	}
	return CallSetForFields(c, dp)
}

const testGatewayConfigYAML = `
failOpen: true
limit: 42
burst: 5
source: global
authQuota:
  limit: 7
  burst: 2
  source: auth
`

func TestCallSetForFields(t *testing.T) {
	cfg := &testGatewayConfig{
		APIQuota:  &testQuotaConfig{},
		AuthQuota: &testQuotaConfig{keyPrefix: "authQuota"},
	}
	ldr := NewDefaultLoader("")
	require.NoError(t, ldr.LoadFromReader(bytes.NewReader([]byte(testGatewayConfigYAML)), DataTypeYAML, cfg))

	require.Nil(t, cfg.UnsetQuota)
	require.Nil(t, cfg.NilConfig)
	require.True(t, cfg.FailOpenFlag)
	require.Equal(t, 42, cfg.APIQuota.Limit)
	require.Equal(t, 5, cfg.APIQuota.Burst)
	require.Equal(t, "global", cfg.APIQuota.Source)
	require.Equal(t, 7, cfg.AuthQuota.Limit)
	require.Equal(t, 2, cfg.AuthQuota.Burst)
	require.Equal(t, "auth", cfg.AuthQuota.Source)
}

func TestCallSetProviderDefaultsForFields(t *testing.T) {
	cfg := &testGatewayConfig{
		APIQuota:  &testQuotaConfig{},
		AuthQuota: &testQuotaConfig{keyPrefix: "authQuota"},
	}
	ldr := NewDefaultLoader("")
	require.NoError(t, ldr.LoadFromReader(bytes.NewReader(nil), DataTypeYAML, cfg))

	require.Equal(t, 100, cfg.APIQuota.Limit)
	require.Equal(t, 10, cfg.APIQuota.Burst)
	require.Equal(t, 100, cfg.AuthQuota.Limit)
	require.Equal(t, "authQuota-source", cfg.AuthQuota.Source)
}

type testZoneConfig struct {
	FailOpen   bool
	ReadQuota  *testQuotaConfig
	WriteQuota *testQuotaConfig

	keyPrefix string
}

func newTestZoneConfig(prefix string) *testZoneConfig {
	return &testZoneConfig{
		ReadQuota:  &testQuotaConfig{keyPrefix: "readQuota"},
		WriteQuota: &testQuotaConfig{keyPrefix: "writeQuota"},
		keyPrefix:  prefix,
	}
}

func (c *testZoneConfig) KeyPrefix() string { return c.keyPrefix }

func (c *testZoneConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("failOpen", false)
	CallSetProviderDefaultsForFields(c, dp)
}

func (c *testZoneConfig) Set(dp DataProvider) (err error) {
	if c.FailOpen, err = dp.GetBool("failOpen"); err != nil {
		return err
	}
	return CallSetForFields(c, dp)
}

type testClusterConfig struct {
	EdgeZone     *testZoneConfig
	InternalZone *testZoneConfig
}

func (c *testClusterConfig) SetProviderDefaults(dp DataProvider) {
	CallSetProviderDefaultsForFields(c, dp)
}

func (c *testClusterConfig) Set(dp DataProvider) error {
	return CallSetForFields(c, dp)
}

const testClusterConfigYAML = `
edge:
  failOpen: true
  readQuota:
    limit: 42
    burst: 5
    source: edge-read
  writeQuota:
    limit: 7
internal:
  writeQuota:
    burst: 3
`

// Key prefixes of nested configuration objects compose,
// so every quota is read from and defaulted under its own subtree.
func TestNestedConfigPrefixes(t *testing.T) {
	cfg := &testClusterConfig{
		EdgeZone:     newTestZoneConfig("edge"),
		InternalZone: newTestZoneConfig("internal"),
	}
	ldr := NewDefaultLoader("")
	require.NoError(t, ldr.LoadFromReader(bytes.NewReader([]byte(testClusterConfigYAML)), DataTypeYAML, cfg))

	require.True(t, cfg.EdgeZone.FailOpen)
	require.Equal(t, 42, cfg.EdgeZone.ReadQuota.Limit)
	require.Equal(t, 5, cfg.EdgeZone.ReadQuota.Burst)
	require.Equal(t, "edge-read", cfg.EdgeZone.ReadQuota.Source)
	require.Equal(t, 7, cfg.EdgeZone.WriteQuota.Limit)
	require.Equal(t, 10, cfg.EdgeZone.WriteQuota.Burst)
	require.Equal(t, "writeQuota-source", cfg.EdgeZone.WriteQuota.Source)

	require.False(t, cfg.InternalZone.FailOpen)
	require.Equal(t, 100, cfg.InternalZone.ReadQuota.Limit)
	require.Equal(t, "readQuota-source", cfg.InternalZone.ReadQuota.Source)
	require.Equal(t, 3, cfg.InternalZone.WriteQuota.Burst)
	require.Equal(t, 100, cfg.InternalZone.WriteQuota.Limit)
}
