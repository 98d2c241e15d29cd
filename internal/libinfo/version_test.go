/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package libinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindModuleVersion(t *testing.T) {
	const modName = "github.com/hicaroostreb/saas-boilerplate-sub004"

	dep := func(path, version string) *debug.Module {
		return &debug.Module{Path: path, Version: version}
	}

	tests := []struct {
		Name string
		Deps []*debug.Module
		Want string
	}{
		{
			Name: "version of the module itself",
			Deps: []*debug.Module{dep(modName, "v1.2.3")},
			Want: "v1.2.3",
		},
		{
			Name: "major version suffix matches",
			Deps: []*debug.Module{dep(modName+"/v2", "v2.0.0")},
			Want: "v2.0.0",
		},
		{
			Name: "suffix that is not a major version",
			Deps: []*debug.Module{dep(modName+"/vendor", "v9.9.9")},
			Want: "",
		},
		{
			Name: "only unrelated modules",
			Deps: []*debug.Module{dep("github.com/other/module", "v1.0.0")},
			Want: "",
		},
		{
			Name: "no dependencies",
			Deps: []*debug.Module{},
			Want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			got := findModuleVersion(&debug.BuildInfo{Deps: tt.Deps}, modName)
			require.Equal(t, tt.Want, got)
		})
	}

	t.Run("missing build info", func(t *testing.T) {
		require.Equal(t, "", findModuleVersion(nil, modName))
	})
}

func TestAddPrometheusLibVersionLabel(t *testing.T) {
	labels := AddPrometheusLibVersionLabel(nil)
	require.Equal(t, GetLibVersion(), labels[PrometheusLibVersionLabel])

	src := map[string]string{"service": "gateway"}
	labels = AddPrometheusLibVersionLabel(src)
	require.Equal(t, "gateway", labels["service"])
	require.Equal(t, GetLibVersion(), labels[PrometheusLibVersionLabel])
	require.NotContains(t, src, PrometheusLibVersionLabel, "source labels should not be mutated")
}
