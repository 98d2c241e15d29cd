/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package libinfo

import (
	"runtime/debug"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const libShortName = "saas-boilerplate-sub004"

const moduleName = "github.com/hicaroostreb/" + libShortName

// PrometheusLibVersionLabel is the name of the Prometheus label that carries the library version.
const PrometheusLibVersionLabel = "saas_boilerplate_sub004_version"

// AddPrometheusLibVersionLabel returns a copy of the passed labels with the library version label added.
// The source labels are not mutated.
func AddPrometheusLibVersionLabel(labels prometheus.Labels) prometheus.Labels {
	labelsCopy := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		labelsCopy[k] = v
	}
	labelsCopy[PrometheusLibVersionLabel] = GetLibVersion()
	return labelsCopy
}

var libVersion string
var libVersionOnce sync.Once

// GetLibVersion returns the library version recorded in the binary's build info.
// "v0.0.0" is returned when the library is not among the build dependencies,
// which is the case when the library's own tests run.
func GetLibVersion() string {
	libVersionOnce.Do(func() {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			libVersion = findModuleVersion(buildInfo, moduleName)
		}
		if libVersion == "" {
			libVersion = "v0.0.0"
		}
	})
	return libVersion
}

// findModuleVersion looks up the version of the given module in the build info.
// Module paths with a major-version suffix ("<modName>/v2" and so on) match as well.
func findModuleVersion(buildInfo *debug.BuildInfo, modName string) string {
	if buildInfo == nil {
		return ""
	}
	for _, dep := range buildInfo.Deps {
		if matchesModulePath(dep.Path, modName) {
			return dep.Version
		}
	}
	return ""
}

func matchesModulePath(path, modName string) bool {
	if path == modName {
		return true
	}
	majorSuffix, ok := strings.CutPrefix(path, modName+"/v")
	if !ok || majorSuffix == "" {
		return false
	}
	for _, c := range majorSuffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
